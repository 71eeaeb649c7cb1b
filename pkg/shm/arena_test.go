//go:build linux

package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaPrivateAndShared(t *testing.T) {
	alloc := newTestAllocator(t)
	arena := NewArena(alloc, 4096)

	small, seg, err := arena.Alloc(100, false)
	require.NoError(t, err)
	assert.Nil(t, seg)
	assert.Len(t, small, 100)

	large, seg, err := arena.Alloc(8192, false)
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Len(t, large, 8192)

	forced, seg, err := arena.Alloc(10, true)
	require.NoError(t, err)
	require.NotNil(t, seg)
	assert.Equal(t, 2, alloc.Registry().Len())

	arena.Release(small)
	arena.Release(large)
	arena.Release(forced)

	assert.Equal(t, int64(2), arena.SharedReleases())
	assert.Equal(t, int64(1), arena.PrivateReleases())
	assert.Equal(t, 0, alloc.Registry().Len())
}

func TestArenaZeroThreshold(t *testing.T) {
	alloc := newTestAllocator(t)
	arena := NewArena(alloc, 0)

	b, seg, err := arena.Alloc(10<<20, false)
	require.NoError(t, err)
	assert.Nil(t, seg)
	assert.Len(t, b, 10<<20)

	arena.Release(b)
	assert.Equal(t, int64(1), arena.PrivateReleases())
}
