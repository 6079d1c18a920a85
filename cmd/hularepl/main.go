// Command hularepl is an interactive HulaScript prompt built on peterh/liner
// for line editing and fatih/color for result highlighting, with an
// optional --watch mode that reloads a script file on change.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"github.com/rjeczalik/notify"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/hulascript/hulascript/repl"
	"github.com/hulascript/hulascript/stdlib/cryptofn"
	"github.com/hulascript/hulascript/stdlib/iofn"
	"github.com/hulascript/hulascript/stdlib/mathfn"
	"github.com/hulascript/hulascript/vm"
)

func main() {
	app := cli.NewApp()
	app.Name = "hularepl"
	app.Usage = "interactive HulaScript session"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "watch", Usage: "reload this file's declarations whenever it changes"},
	}
	app.Action = runRepl

	if err := app.Run(os.Args); err != nil {
		color.Red("hularepl: %v", err)
		os.Exit(1)
	}
}

func runRepl(c *cli.Context) error {
	v := vm.New(1024, 1024, 1<<16)
	if err := iofn.Register(v, os.Stdout); err != nil {
		return err
	}
	if err := cryptofn.Register(v); err != nil {
		return err
	}
	if err := mathfn.Register(v); err != nil {
		return err
	}
	r := repl.New(v)

	if watch := c.String("watch"); watch != "" {
		go watchFile(watch, r)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	prompt := "> "
	for {
		input, err := line.Prompt(prompt)
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line.AppendHistory(input)

		ready, err := r.WriteInput(input)
		if err != nil {
			color.Red("error: %v", err)
			prompt = "> "
			continue
		}
		if !ready {
			prompt = "... "
			continue
		}
		prompt = "> "

		result, err := r.Run()
		if err != nil {
			color.Red("error: %v", err)
			continue
		}
		if !result.IsNil() {
			color.Green("%s", r.VM.ValueToPrintString(result))
		}
	}
}

// watchFile reloads watch's contents as a top-level REPL statement whenever
// the file changes, so a script under active edit can redefine globals
// without restarting the session.
func watchFile(path string, r *repl.Repl) {
	events := make(chan notify.EventInfo, 1)
	if err := notify.Watch(path, events, notify.Write); err != nil {
		return
	}
	defer notify.Stop(events)
	for range events {
		src, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if ready, err := r.WriteInput(string(src)); err == nil && ready {
			if _, err := r.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "watch reload failed: %v\n", err)
			}
		}
	}
}
