// Command hulac compiles and runs a HulaScript source file to completion.
package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/fatih/color"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/hulascript/hulascript/stdlib/cryptofn"
	"github.com/hulascript/hulascript/stdlib/iofn"
	"github.com/hulascript/hulascript/stdlib/mathfn"
	"github.com/hulascript/hulascript/vm"
)

func main() {
	app := cli.NewApp()
	app.Name = "hulac"
	app.Usage = "run a HulaScript source file"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "TOML host configuration file"},
		cli.UintFlag{Name: "max-locals", Value: 1024},
		cli.UintFlag{Name: "max-globals", Value: 1024},
		cli.UintFlag{Name: "heap", Value: 1 << 16},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		color.Red("hulac: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("usage: hulac <file.hula>")
	}
	path := c.Args().First()
	src, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}

	cfg := vm.DefaultHostConfig()
	if cfgPath := c.String("config"); cfgPath != "" {
		loaded, err := vm.LoadHostConfig(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.MaxLocals = uint32(c.Uint("max-locals"))
		cfg.MaxGlobals = uint32(c.Uint("max-globals"))
		cfg.MaxHeapValues = uint32(c.Uint("heap"))
	}

	v := vm.New(cfg.MaxLocals, cfg.MaxGlobals, cfg.MaxHeapValues)
	if err := iofn.Register(v, os.Stdout); err != nil {
		return err
	}
	if err := cryptofn.Register(v); err != nil {
		return err
	}
	if err := mathfn.Register(v); err != nil {
		return err
	}

	comp := vm.NewCompiler(v)
	if err := comp.Compile(path, string(src), false); err != nil {
		return err
	}
	_, err = v.Execute(0, vm.FinalizeCollectReturn)
	return err
}
