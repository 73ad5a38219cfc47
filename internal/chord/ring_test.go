package chord_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/robomesh/mapapi/internal/chord"
)

func TestRing_IsIn(t *testing.T) {
	ring := chord.NewRing(16)
	tests := []struct {
		name           string
		key, from, to  chord.Key
		want           bool
	}{
		{name: "plain arc inside", key: 5, from: 1, to: 10, want: true},
		{name: "plain arc outside", key: 15, from: 1, to: 10, want: false},
		{name: "key equals from", key: 1, from: 1, to: 10, want: true},
		{name: "key equals to", key: 10, from: 1, to: 10, want: false},
		{name: "degenerate full ring", key: 123, from: 7, to: 7, want: true},
		{name: "wrapping arc inside high", key: 65000, from: 60000, to: 100, want: true},
		{name: "wrapping arc inside low", key: 50, from: 60000, to: 100, want: true},
		{name: "wrapping arc outside", key: 30000, from: 60000, to: 100, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ring.IsIn(tt.key, tt.from, tt.to))
		})
	}
}

func TestRing_FingerBaseWraps(t *testing.T) {
	ring := chord.NewRing(16)
	assert.Equal(t, chord.Key(1), ring.FingerBase(0, 0))
	assert.Equal(t, chord.Key(0), ring.FingerBase(1<<15, 15), "overflow wraps")
	assert.Equal(t, chord.Key(2), ring.FingerBase(1, 0))
}

func TestRing_HashIsStableAndBounded(t *testing.T) {
	ring := chord.NewRing(16)
	key := ring.Hash("127.0.0.1:7850")
	assert.Equal(t, key, ring.Hash("127.0.0.1:7850"))
	assert.Less(t, uint64(key), uint64(1)<<16)

	small := chord.NewRing(4)
	for _, addr := range []string{"a", "b", "c", "d"} {
		assert.Less(t, uint64(small.Hash(addr)), uint64(16))
	}
}
