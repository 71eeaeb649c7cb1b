package service

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propbus/propbus-go/pkg/client"
	"github.com/propbus/propbus-go/pkg/examples"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
	"github.com/propbus/propbus-go/pkg/snoop"
)

func TestSharedFramesAcrossConnections(t *testing.T) {
	b, _, path := startHub(t)

	driverSide := dialRemote(t, path)
	cam, err := examples.NewCamera(driverSide, examples.CameraConfig{
		Width:     160,
		Height:    120,
		Arena:     shm.NewArena(nil, 1),
		TimeScale: 1000,
	})
	require.NoError(t, err)
	defer cam.Close()

	clientSide := dialRemote(t, path)
	sess, err := client.Attach(clientSide, client.Config{ID: "imager", Blobs: snoop.BlobAlso})
	require.NoError(t, err)
	defer sess.Detach()

	ctx := testContext(t)
	_, err = sess.WaitFor(ctx, cam.Name(), examples.ImageVector, func(*model.Vector) bool { return true })
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		state, err := sess.RequestAndWait(ctx, cam.Name(), examples.ExposureVector,
			model.Set(examples.ExposureElement, model.Number{Value: 0.5}))
		require.NoError(t, err)
		require.Equal(t, model.StateOk, state)

		v, err := sess.Vector(cam.Name(), examples.ImageVector)
		require.NoError(t, err)
		e, ok := v.Element(examples.ImageElement)
		require.True(t, ok)
		blob := e.Value.(model.Blob)
		require.True(t, blob.Attached(), "frame %d arrives as a shared segment", i)
		assert.Equal(t, cam.FrameSize(), blob.Size)
		assert.Equal(t, uint16(i), binary.BigEndian.Uint16(blob.Bytes()))

		data, err := client.ReadBlob(e)
		require.NoError(t, err)
		assert.Len(t, data, cam.FrameSize())
	}

	// The hub's cache holds the latest frame as an attached segment too.
	v, err := b.Vector(cam.Name(), examples.ImageVector)
	require.NoError(t, err)
	e, _ := v.Element(examples.ImageElement)
	assert.True(t, e.Value.(model.Blob).Attached())
}
