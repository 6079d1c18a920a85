package vm

import (
	"sort"

	"github.com/hulascript/hulascript/token"
)

// SourceLoc is the location of a token in source text. It is exactly the
// tokenizer's notion of position.
type SourceLoc = token.Position

// FunctionEntry records the metadata needed to call a function and to keep
// it (and everything it reaches) alive during collection.
type FunctionEntry struct {
	Start               uint32
	Length              uint32
	ParamCount          int
	Name                string
	ReferencedFuncIDs   []uint32
	ReferencedConstStrs []*stringObj
}

// ipLoc is one entry in the ip -> SourceLoc map.
type ipLoc struct {
	ip  uint32
	loc SourceLoc
}

// locMap records the source location of the instruction at or before any
// ip. Entries are kept sorted ascending by ip since the compiler always
// appends at strictly non-decreasing ip during a single compile.
type locMap struct {
	entries []ipLoc
}

func (m *locMap) record(ip uint32, loc SourceLoc) {
	if n := len(m.entries); n > 0 && m.entries[n-1].ip == ip {
		m.entries[n-1].loc = loc
		return
	}
	m.entries = append(m.entries, ipLoc{ip: ip, loc: loc})
}

// lookup returns the source location recorded at or before ip.
func (m *locMap) lookup(ip uint32) (SourceLoc, bool) {
	idx := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].ip > ip })
	if idx == 0 {
		return SourceLoc{}, false
	}
	return m.entries[idx-1].loc, true
}

// truncateAfter drops every entry recorded at or beyond ip, used by compile
// rollback (§4.2.10).
func (m *locMap) truncateAfter(ip uint32) {
	idx := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].ip >= ip })
	m.entries = m.entries[:idx]
}

// rebase shifts every entry in [lo, hi) left by offset, used when the GC
// compacts the instruction buffer in a finalize mode. Entries outside the
// range are removed by the caller beforehand.
func (m *locMap) rebase(lo, hi, offset uint32) {
	for i := range m.entries {
		if m.entries[i].ip >= lo && m.entries[i].ip < hi {
			m.entries[i].ip -= offset
		}
	}
}
