// Package persist stores a list of global values in a LevelDB keyspace,
// Snappy-compressed, and reads them back. Only Number and String values keep
// their contents; compiled code, constants and heap tables are not saved.
// VerifySignature checks a detached minisign signature over a snapshot
// blob; Store and Load neither sign nor verify.
package persist

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/golang/snappy"
	minisign "github.com/jedisct1/go-minisign"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/hulascript/hulascript/vm"
)

const snapshotKeyPrefix = "hulascript/snapshot/"

// Snapshot groups the values a snapshot holds. Store and Load encode only
// Globals; Constants is neither written nor read. Heap contents are not
// captured, since heap table IDs are not stable across processes.
type Snapshot struct {
	Constants []vm.Value
	Globals   []vm.Value
}

// gobValue mirrors vm.Value's externally observable shape for
// encoding/gob, which cannot see unexported fields directly; Store/Load
// convert through it.
type gobValue struct {
	Type   vm.ValueType
	Num    float64
	Str    string
	HasStr bool
}

func toGob(v vm.Value) gobValue {
	g := gobValue{Type: v.Type()}
	switch v.Type() {
	case vm.TypeNumber:
		g.Num = v.NumberValue()
	case vm.TypeString:
		g.Str = v.StringValue()
		g.HasStr = true
	}
	return g
}

func fromGob(vmInst *vm.VM, g gobValue) vm.Value {
	switch g.Type {
	case vm.TypeNumber:
		return vm.Number(g.Num)
	case vm.TypeString:
		return vmInst.MakeString(g.Str)
	default:
		return vm.Nil
	}
}

// Store persists the values in globals under key inside db,
// Snappy-compressing the encoded payload; v is not read. Only Number and
// String values round-trip; any other value (tables, closures and foreign
// values are heap- or host-bound) is stored by its type alone and loads back
// as Nil, so positions in the list are kept.
func Store(db *leveldb.DB, key string, v *vm.VM, globals []vm.Value) error {
	snap := Snapshot{}
	for _, g := range globals {
		snap.Globals = append(snap.Globals, g)
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	gobSnap := make([]gobValue, len(snap.Globals))
	for i, g := range snap.Globals {
		gobSnap[i] = toGob(g)
	}
	if err := enc.Encode(gobSnap); err != nil {
		return errors.Wrap(err, "persist: encode snapshot")
	}

	compressed := snappy.Encode(nil, buf.Bytes())
	if err := db.Put([]byte(snapshotKeyPrefix+key), compressed, nil); err != nil {
		return errors.Wrap(err, "persist: write snapshot to leveldb")
	}
	return nil
}

// Load restores the globals stored under key into freshly-constructed
// Values owned by v.
func Load(db *leveldb.DB, key string, v *vm.VM) ([]vm.Value, error) {
	compressed, err := db.Get([]byte(snapshotKeyPrefix+key), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "persist: read snapshot %q", key)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Wrap(err, "persist: decompress snapshot")
	}
	var gobSnap []gobValue
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&gobSnap); err != nil {
		return nil, errors.Wrap(err, "persist: decode snapshot")
	}
	out := make([]vm.Value, len(gobSnap))
	for i, g := range gobSnap {
		out[i] = fromGob(v, g)
	}
	return out, nil
}

// VerifySignature checks a detached minisign signature over a snapshot blob
// against a trusted public key, for hosts that distribute precompiled
// snapshots out of band.
func VerifySignature(blob []byte, sigPath string, publicKey minisign.PublicKey) error {
	sig, err := minisign.NewSignatureFromFile(sigPath)
	if err != nil {
		return errors.Wrap(err, "persist: read signature")
	}
	ok, err := publicKey.Verify(blob, sig)
	if err != nil {
		return errors.Wrap(err, "persist: verify signature")
	}
	if !ok {
		return fmt.Errorf("persist: signature does not match")
	}
	return nil
}
