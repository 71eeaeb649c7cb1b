//go:build unix

package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/client"
	"github.com/propbus/propbus-go/pkg/connection"
	"github.com/propbus/propbus-go/pkg/driver"
	"github.com/propbus/propbus-go/pkg/examples"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/snoop"
	"github.com/propbus/propbus-go/pkg/transport"
	"github.com/propbus/propbus-go/pkg/wire"
)

var fastRedial = connection.RedialPolicy{
	First:  20 * time.Millisecond,
	Cap:    100 * time.Millisecond,
	Jitter: -1,
}

func startHub(t *testing.T) (*bus.Bus, *HubService, string) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)

	path := filepath.Join(t.TempDir(), "hub.sock")
	h := NewHubService(b, HubConfig{SocketPath: path})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return b, h, path
}

func dialRemote(t *testing.T, path string) *Remote {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := Dial(ctx, RemoteConfig{SocketPath: path, Redial: fastRedial})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func focusVector() *model.Vector {
	return model.NewVector("Focuser", "Position", "", model.PermReadWrite,
		model.NumberElement("Steps", "", "%.0f", 0, 1000, 1, 500))
}

func defineFocuser(t *testing.T, hub bus.Hub) *driver.Device {
	t.Helper()
	d, err := driver.New(hub, "Focuser")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Define(focusVector()))
	return d
}

func steps(t *testing.T, v *model.Vector) float64 {
	t.Helper()
	e, ok := v.Element("Steps")
	require.True(t, ok)
	return e.Value.(model.Number).Value
}

func TestRemoteClient(t *testing.T) {
	b, _, path := startHub(t)
	defineFocuser(t, b)

	r := dialRemote(t, path)
	sess, err := client.Attach(r, client.Config{ID: "remote-client"})
	require.NoError(t, err)
	defer sess.Detach()

	ctx := testContext(t)
	v, err := sess.WaitFor(ctx, "Focuser", "Position", func(*model.Vector) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 500.0, steps(t, v))

	state, err := sess.RequestAndWait(ctx, "Focuser", "Position", model.Set("Steps", model.Number{Value: 750}))
	require.NoError(t, err)
	assert.Equal(t, model.StateOk, state)

	v, err = b.Vector("Focuser", "Position")
	require.NoError(t, err)
	assert.Equal(t, 750.0, steps(t, v))

	t.Run("Mismatch", func(t *testing.T) {
		state, err := sess.RequestAndWait(ctx, "Focuser", "Position", model.Set("Steps", model.Number{Value: 5000}))
		assert.ErrorIs(t, err, model.ErrPropertyMismatch)
		assert.Equal(t, model.StateAlert, state)

		v, err := sess.WaitFor(ctx, "Focuser", "Position", func(v *model.Vector) bool {
			return v.State == model.StateAlert
		})
		require.NoError(t, err)
		assert.Equal(t, 750.0, steps(t, v), "rejected values are never applied")

		v, err = b.Vector("Focuser", "Position")
		require.NoError(t, err)
		assert.Equal(t, model.StateOk, v.State, "the hub's copy is untouched")
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		err := sess.Request(ctx, "Nope", "Position", model.Set("Steps", model.Number{Value: 1}))
		assert.ErrorIs(t, err, bus.ErrUnknownDevice)
	})
}

func TestRemoteDriver(t *testing.T) {
	b, h, path := startHub(t)
	r := dialRemote(t, path)
	d := defineFocuser(t, r)

	require.Eventually(t, func() bool { return b.HasDriver("Focuser") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := b.Vector("Focuser", "Position")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	infos := h.Connections()
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"Focuser"}, infos[0].Devices)

	handled := make(chan float64, 1)
	d.OnRequest("Position", func(ctx context.Context, d *driver.Device, req bus.Request) error {
		handled <- req.Values[0].Value.(model.Number).Value
		if err := d.SetState("Position", model.StateBusy); err != nil {
			return err
		}
		return d.Accept(req, model.StateOk)
	})

	sess, err := client.Attach(b, client.Config{ID: "local-client"})
	require.NoError(t, err)
	defer sess.Detach()

	ctx := testContext(t)
	state, err := sess.RequestAndWait(ctx, "Focuser", "Position", model.Set("Steps", model.Number{Value: 250}))
	require.NoError(t, err)
	assert.Equal(t, model.StateOk, state)
	assert.Equal(t, 250.0, <-handled)

	v, err := b.Vector("Focuser", "Position")
	require.NoError(t, err)
	assert.Equal(t, 250.0, steps(t, v))

	t.Run("DisconnectDeletesDevice", func(t *testing.T) {
		require.NoError(t, r.Close())
		require.Eventually(t, func() bool { return len(b.Devices()) == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.False(t, b.HasDriver("Focuser"))
		assert.Equal(t, 0, h.ConnectionCount())
	})
}

func TestRemoteDriverConflict(t *testing.T) {
	b, _, path := startHub(t)
	defineFocuser(t, b)

	conn, err := transport.Dial(context.Background(), path, transport.ClientConfig{})
	require.NoError(t, err)
	defer conn.Close()

	send := func(msg wire.Message) {
		data, err := wire.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, conn.Send(data, nil))
	}
	receive := func() wire.Message {
		data, fds, err := conn.Receive(2 * time.Second)
		require.NoError(t, err)
		require.Empty(t, fds)
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		return msg
	}

	send(&wire.Define{Vector: wire.FromVector(focusVector(), nil)})
	e, ok := receive().(*wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrorCodeNotOwner, e.Code)
	assert.Equal(t, "Focuser", e.Device)

	send(&wire.Update{Device: "Focuser", Name: "Position", State: uint8(model.StateAlert)})
	e, ok = receive().(*wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrorCodeNotOwner, e.Code)

	v, err := b.Vector("Focuser", "Position")
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, v.State)

	// A request with an ID is acknowledged.
	send(&wire.Request{ID: 7, Device: "Focuser", Name: "Position",
		Elements: wire.FromElements([]model.Element{model.Set("Steps", model.Number{Value: 10})}, nil)})
	e, ok = receive().(*wire.Error)
	require.True(t, ok)
	assert.Equal(t, uint32(7), e.RequestID)
	assert.Equal(t, wire.ErrorCodeOK, e.Code)

	// Watching everything replays the current definitions.
	send(&wire.Watch{})
	d, ok := receive().(*wire.Define)
	require.True(t, ok)
	assert.Equal(t, "Focuser", d.Vector.Device)
}

func TestDomeClosesOnRainAcrossProcesses(t *testing.T) {
	b, _, path := startHub(t)

	rain, err := examples.NewRainDetector(b, examples.RainDetectorConfig{})
	require.NoError(t, err)
	defer rain.Close()

	driverSide := dialRemote(t, path)
	dome, err := examples.NewDome(driverSide, examples.DomeConfig{
		RainDevice: rain.Name(),
		MoveTime:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer dome.Close()

	clientSide := dialRemote(t, path)
	sess, err := client.Attach(clientSide, client.Config{ID: "observer"})
	require.NoError(t, err)
	defer sess.Detach()

	ctx := testContext(t)
	_, err = sess.WaitFor(ctx, dome.Name(), examples.ShutterVector, func(*model.Vector) bool { return true })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(b.Watchers(rain.Name(), examples.RainAlertVector)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, rain.SetRaining(true))

	v, err := sess.WaitFor(ctx, dome.Name(), examples.ShutterVector, func(v *model.Vector) bool {
		return v.State == model.StateOk
	})
	require.NoError(t, err)
	e, _ := v.Element(examples.ShutterClose)
	assert.Equal(t, model.SwitchOn, e.Value)
}

func TestRemoteReconnects(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	path := filepath.Join(t.TempDir(), "hub.sock")

	h := NewHubService(b, HubConfig{SocketPath: path})
	require.NoError(t, h.Start(context.Background()))

	r := dialRemote(t, path)
	defineFocuser(t, r)
	require.Eventually(t, func() bool { return b.HasDriver("Focuser") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop())
	require.Eventually(t, func() bool { return r.State() != connection.StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, b.Devices())

	h = NewHubService(b, HubConfig{SocketPath: path})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	ctx := testContext(t)
	require.NoError(t, r.WaitConnected(ctx))
	require.Eventually(t, func() bool {
		v, err := b.Vector("Focuser", "Position")
		return err == nil && steps(t, v) == 500
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, b.HasDriver("Focuser"))
}

func TestRemoteRestoresWatches(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	path := filepath.Join(t.TempDir(), "hub.sock")

	h := NewHubService(b, HubConfig{SocketPath: path})
	require.NoError(t, h.Start(context.Background()))

	d := defineFocuser(t, b)

	r := dialRemote(t, path)
	var mu sync.Mutex
	var seen []float64
	require.NoError(t, r.Watch("panel", "Focuser", "Position", snoop.BlobNever, func(ev snoop.Event) {
		if ev.Type != snoop.EventUpdate || ev.Vector == nil {
			return
		}
		e, ok := ev.Vector.Element("Steps")
		if !ok {
			return
		}
		mu.Lock()
		seen = append(seen, e.Value.(model.Number).Value)
		mu.Unlock()
	}))
	require.Eventually(t, func() bool {
		_, err := r.Vector("Focuser", "Position")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop())
	require.Eventually(t, func() bool { return r.State() != connection.StateConnected }, 2*time.Second, 5*time.Millisecond)

	h = NewHubService(b, HubConfig{SocketPath: path})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	require.NoError(t, r.WaitConnected(testContext(t)))

	// The watch is re-sent on reconnect, so updates flow without the
	// client watching again.
	require.Eventually(t, func() bool {
		require.NoError(t, d.Set("Position", model.StateOk, model.Set("Steps", model.Number{Value: 640})))
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 640
	}, 2*time.Second, 20*time.Millisecond)

	v, err := r.Vector("Focuser", "Position")
	require.NoError(t, err)
	assert.Equal(t, 640.0, steps(t, v))
}

func TestRemoteGivesUpRedialing(t *testing.T) {
	_, h, path := startHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	policy := fastRedial
	policy.MaxAttempts = 3
	r, err := Dial(ctx, RemoteConfig{SocketPath: path, Redial: policy})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, h.Stop())

	assert.ErrorIs(t, r.WaitConnected(testContext(t)), connection.ErrRedialExhausted)
	assert.Equal(t, connection.StateFailed, r.State())
	assert.Error(t, r.Message("Focuser", "hello"))
}

func TestServeConnPair(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	h := NewHubService(b, HubConfig{})
	t.Cleanup(func() { _ = h.Stop() })

	hubEnd, remoteEnd, err := transport.Pair(transport.ClientConfig{})
	require.NoError(t, err)
	h.ServeConn(hubEnd)

	dialed := false
	r, err := Dial(context.Background(), RemoteConfig{
		Dial: func(context.Context) (*transport.Conn, error) {
			if dialed {
				return nil, ErrNotConnected
			}
			dialed = true
			return remoteEnd, nil
		},
	})
	require.NoError(t, err)
	defer r.Close()

	defineFocuser(t, r)
	require.Eventually(t, func() bool { return b.HasDriver("Focuser") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code wire.ErrorCode
		back error
	}{
		{nil, wire.ErrorCodeOK, nil},
		{model.ErrOutOfRange, wire.ErrorCodePropertyMismatch, model.ErrPropertyMismatch},
		{bus.ErrNoDriver, wire.ErrorCodeUnknownDevice, bus.ErrUnknownDevice},
		{ErrNotOwner, wire.ErrorCodeNotOwner, bus.ErrDeviceOwned},
		{wire.ErrBadDescriptor, wire.ErrorCodeInvalidMessage, ErrInvalidMessage},
		{context.DeadlineExceeded, wire.ErrorCodeDriverFailed, ErrDriverFailed},
	}
	for _, tt := range tests {
		code := codeFor(tt.err)
		assert.Equal(t, tt.code, code, "codeFor(%v)", tt.err)

		back := errorFor(&wire.Error{Code: code, Message: "x"})
		if tt.back == nil {
			assert.NoError(t, back)
		} else {
			assert.ErrorIs(t, back, tt.back)
		}
	}
}
