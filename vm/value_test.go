package vm

import (
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEqualityBasics(t *testing.T) {
	assert.True(t, valuesEqual(Number(1), Number(1)))
	assert.False(t, valuesEqual(Number(1), Number(2)))
	assert.True(t, valuesEqual(Nil, Nil))
	assert.False(t, valuesEqual(Nil, Number(0)))
}

func TestValueEqualityInternedStrings(t *testing.T) {
	h := newHeap(16)
	a := stringValue(h.internString("hello"))
	b := stringValue(h.internString("hello"))
	require.Equal(t, a.StringValue(), b.StringValue())
	assert.True(t, valuesEqual(a, b), "two interns of the same text must compare equal")
}

// TestNumberHashIsStableAcrossRepeatedCalls fuzzes arbitrary float64s and
// checks that valueHash returns the same hash each time it is called on the
// same value.
func TestNumberHashIsStableAcrossRepeatedCalls(t *testing.T) {
	f := fuzz.New().NilChance(0).Funcs(func(n *float64, c fuzz.Continue) {
		*n = c.Float64()
	})
	var n float64
	for i := 0; i < 50; i++ {
		f.Fuzz(&n)
		v := Number(n)
		require.Equal(t, valueHash(v), valueHash(v), "hash must be deterministic for %v", n)
	}
}
