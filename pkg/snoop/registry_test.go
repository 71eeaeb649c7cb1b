package snoop

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propbus/propbus-go/pkg/model"
)

// collector records events handed to it.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n }, time.Second, 5*time.Millisecond)
	return c.snapshot()
}

func lightUpdate(device, property string, state model.State) Event {
	v := model.NewVector(device, property, "", model.PermReadOnly, model.LightElement("Rain", "", state))
	v.State = state
	return Event{Type: EventUpdate, Device: device, Property: property, Vector: v}
}

func blobUpdate(device, property string) Event {
	v := model.NewVector(device, property, "", model.PermReadOnly, model.BlobElement(property, "", ".fits"))
	return Event{Type: EventUpdate, Device: device, Property: property, Vector: v}
}

func TestDeliverExactlyOncePerWatcher(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var a, b collector
	require.NoError(t, r.Watch("A", "Rain", "Rain Alert", BlobNever, a.handle))
	require.NoError(t, r.Watch("A", "Rain", "", BlobNever, a.handle))
	require.NoError(t, r.Watch("B", "Rain", "Rain Alert", BlobNever, b.handle))

	assert.Equal(t, 2, r.Deliver(lightUpdate("Rain", "Rain Alert", model.StateAlert)))

	assert.Len(t, a.waitFor(t, 1), 1)
	assert.Len(t, b.waitFor(t, 1), 1)

	// Give a second copy time to show up if there were one.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, a.snapshot(), 1)
}

func TestDeliverSkipsOtherProperties(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var c collector
	require.NoError(t, r.Watch("Dome", "Rain", "Rain Alert", BlobNever, c.handle))

	assert.Equal(t, 0, r.Deliver(lightUpdate("Rain", "Humidity", model.StateOk)))
	assert.Equal(t, 0, r.Deliver(lightUpdate("Other", "Rain Alert", model.StateOk)))
	assert.Equal(t, 1, r.Deliver(lightUpdate("Rain", "Rain Alert", model.StateOk)))

	events := c.waitFor(t, 1)
	assert.Equal(t, "Rain Alert", events[0].Property)
}

func TestDeliverPreservesOrder(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var c collector
	require.NoError(t, r.Watch("W", "Rain", "Rain Alert", BlobNever, func(ev Event) {
		// A slow handler must not reorder the queue.
		time.Sleep(time.Millisecond)
		c.handle(ev)
	}))

	states := []model.State{model.StateIdle, model.StateBusy, model.StateAlert, model.StateOk}
	for i := 0; i < 20; i++ {
		r.Deliver(lightUpdate("Rain", "Rain Alert", states[i%len(states)]))
	}

	events := c.waitFor(t, 20)
	for i, ev := range events {
		assert.Equal(t, states[i%len(states)], ev.Vector.State, "event %d", i)
	}
}

func TestDeviceWideDelete(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var c collector
	require.NoError(t, r.Watch("W", "Rain", "Rain Alert", BlobNever, c.handle))

	assert.Equal(t, 1, r.Deliver(Event{Type: EventDelete, Device: "Rain"}))
	events := c.waitFor(t, 1)
	assert.Equal(t, EventDelete, events[0].Type)
	assert.Nil(t, events[0].Vector)
}

func TestDeviceWideEventPicksFirstProperty(t *testing.T) {
	for range 20 {
		r := NewRegistry(nil)

		var focus, temp collector
		require.NoError(t, r.Watch("W", "Focuser", "Temperature", BlobNever, temp.handle))
		require.NoError(t, r.Watch("W", "Focuser", "Position", BlobAlso, focus.handle))

		assert.Equal(t, 1, r.Deliver(Event{Type: EventMessage, Device: "Focuser", Message: "homed"}))
		events := focus.waitFor(t, 1)
		assert.Equal(t, "homed", events[0].Message)
		r.Close()
		assert.Empty(t, temp.snapshot())
	}
}

func TestUnwatch(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var c collector
	require.NoError(t, r.Watch("W", "Rain", "Rain Alert", BlobNever, c.handle))
	r.Unwatch("W", "Rain", "Rain Alert")
	assert.Equal(t, 0, r.Deliver(lightUpdate("Rain", "Rain Alert", model.StateOk)))

	require.NoError(t, r.Watch("W", "Rain", "Rain Alert", BlobNever, c.handle))
	assert.Equal(t, []string{"W"}, r.Watchers("Rain", "Rain Alert"))

	r.UnwatchAll("W")
	assert.Empty(t, r.Watchers("Rain", "Rain Alert"))
	assert.Equal(t, 0, r.Deliver(lightUpdate("Rain", "Rain Alert", model.StateOk)))
}

func TestBlobPolicy(t *testing.T) {
	tests := []struct {
		policy    BlobPolicy
		wantLight bool
		wantBlob  bool
	}{
		{BlobNever, true, false},
		{BlobAlso, true, true},
		{BlobOnly, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.policy.String(), func(t *testing.T) {
			r := NewRegistry(nil)
			defer r.Close()

			var c collector
			require.NoError(t, r.Watch("W", "Cam", "", tc.policy, c.handle))

			assert.Equal(t, tc.wantLight, r.Deliver(lightUpdate("Cam", "Status", model.StateOk)) == 1)
			assert.Equal(t, tc.wantBlob, r.Deliver(blobUpdate("Cam", "CCD1")) == 1)
		})
	}
}

func TestHandlerMayPublish(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var c collector
	require.NoError(t, r.Watch("Dome", "Rain", "Rain Alert", BlobNever, func(ev Event) {
		// Reentrant publish from inside a handler.
		r.Deliver(lightUpdate("Dome", "Shutter", ev.Vector.State))
	}))
	require.NoError(t, r.Watch("Client", "Dome", "Shutter", BlobNever, c.handle))

	r.Deliver(lightUpdate("Rain", "Rain Alert", model.StateAlert))
	events := c.waitFor(t, 1)
	assert.Equal(t, "Shutter", events[0].Property)
}

func TestConcurrentDeliver(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var c collector
	require.NoError(t, r.Watch("W", "D", "", BlobNever, c.handle))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Deliver(lightUpdate("D", fmt.Sprintf("P%d", i), model.StateOk))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, c.waitFor(t, 400), 400)
}

func TestWatchAfterClose(t *testing.T) {
	r := NewRegistry(nil)
	r.Close()
	assert.ErrorIs(t, r.Watch("W", "D", "", BlobNever, func(Event) {}), ErrClosed)
}

func TestWatchEverything(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var c collector
	require.NoError(t, r.Watch("client", "", "", BlobNever, c.handle))

	r.Deliver(lightUpdate("Rain", "Rain Alert", model.StateOk))
	r.Deliver(lightUpdate("Dome", "Shutter", model.StateOk))
	r.Deliver(Event{Type: EventMessage, Device: "Dome", Message: "parked"})

	events := c.waitFor(t, 3)
	assert.Equal(t, EventMessage, events[2].Type)
	assert.Equal(t, "parked", events[2].Message)
	assert.Equal(t, []string{"client"}, r.Watchers("Anything", "At all"))
}

func TestDeliverTo(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	var a, b collector
	require.NoError(t, r.Watch("A", "Rain", "", BlobNever, a.handle))
	require.NoError(t, r.Watch("B", "Rain", "", BlobNever, b.handle))

	assert.True(t, r.DeliverTo("A", lightUpdate("Rain", "Rain Alert", model.StateIdle)))
	assert.False(t, r.DeliverTo("A", lightUpdate("Dome", "Shutter", model.StateIdle)))
	assert.False(t, r.DeliverTo("nobody", lightUpdate("Rain", "Rain Alert", model.StateIdle)))

	assert.Len(t, a.waitFor(t, 1), 1)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, b.snapshot())
}
