package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
)

func TestReadBlobSegment(t *testing.T) {
	reg := shm.NewRegistry()
	t.Cleanup(func() { reg.Drain() })
	alloc := shm.NewAllocator(shm.Config{Registry: reg})

	m, err := alloc.Allocate(5)
	require.NoError(t, err)
	require.NoError(t, m.Write(0, []byte("frame")))
	im, err := m.Seal()
	require.NoError(t, err)

	got, err := ReadBlob(model.Set("Image", model.Blob{Segment: im, Size: 5}))
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), got)

	// A declared size larger than the segment is clamped.
	got, err = ReadBlob(model.Set("Image", model.Blob{Segment: im, Size: 1 << 30}))
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
