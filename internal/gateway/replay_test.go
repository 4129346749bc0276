package gateway

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(r *replayRing, from, to int64) {
	for seq := from; seq <= to; seq++ {
		r.push(seq, []byte(strconv.FormatInt(seq, 10)))
	}
}

func TestReplayRingSince(t *testing.T) {
	r := newReplayRing(4)
	fill(r, 1, 3)

	frames, ok := r.since(1, 3)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("2"), []byte("3")}, frames)

	frames, ok = r.since(3, 3)
	assert.True(t, ok)
	assert.Empty(t, frames)

	frames, ok = r.since(0, 3)
	require.True(t, ok)
	assert.Len(t, frames, 3)

	_, ok = r.since(4, 3)
	assert.False(t, ok, "client cannot be ahead of the session")
	_, ok = r.since(-1, 3)
	assert.False(t, ok)
}

func TestReplayRingEviction(t *testing.T) {
	r := newReplayRing(4)
	fill(r, 1, 10)

	assert.Equal(t, 4, r.len())
	assert.Equal(t, int64(7), r.oldest())

	frames, ok := r.since(6, 10)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("7"), []byte("8"), []byte("9"), []byte("10")}, frames)

	_, ok = r.since(5, 10)
	assert.False(t, ok, "frame 6 was evicted")
}

func TestReplayRingEmpty(t *testing.T) {
	r := newReplayRing(4)
	frames, ok := r.since(0, 0)
	assert.True(t, ok)
	assert.Empty(t, frames)

	_, ok = r.since(0, 2)
	assert.False(t, ok)
}
