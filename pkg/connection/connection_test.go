package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedialPolicyDefaults(t *testing.T) {
	p := DefaultRedialPolicy()
	assert.Equal(t, 200*time.Millisecond, p.First)
	assert.Equal(t, 10*time.Second, p.Cap)
	assert.Equal(t, 2.0, p.Factor)
	assert.Equal(t, 0.25, p.Jitter)
	assert.Zero(t, p.MaxAttempts)

	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		6400 * time.Millisecond,
		10 * time.Second,
	}, p.Schedule())
}

func TestRedialPolicyDelay(t *testing.T) {
	p := RedialPolicy{First: 50 * time.Millisecond, Cap: 300 * time.Millisecond, Factor: 3}
	assert.Equal(t, 50*time.Millisecond, p.Delay(1))
	assert.Equal(t, 150*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(40))

	// Cap below First is raised to the default ceiling.
	p = RedialPolicy{First: time.Second, Cap: time.Millisecond}
	assert.Equal(t, 10*time.Second, p.withDefaults().Cap)
}

func TestBackoffNext(t *testing.T) {
	t.Run("NoJitter", func(t *testing.T) {
		b := NewBackoff(RedialPolicy{First: 10 * time.Millisecond, Cap: 40 * time.Millisecond, Jitter: -1})
		var got []time.Duration
		for range 4 {
			d, ok := b.Next()
			require.True(t, ok)
			got = append(got, d)
		}
		assert.Equal(t, []time.Duration{
			10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond,
		}, got)
		assert.Equal(t, 4, b.Attempts())

		b.Reset()
		assert.Zero(t, b.Attempts())
		d, _ := b.Next()
		assert.Equal(t, 10*time.Millisecond, d)
	})

	t.Run("JitterBounds", func(t *testing.T) {
		b := NewBackoff(RedialPolicy{First: 100 * time.Millisecond, Jitter: 0.5})
		for range 50 {
			b.Reset()
			d, ok := b.Next()
			require.True(t, ok)
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			assert.LessOrEqual(t, d, 150*time.Millisecond)
		}
	})

	t.Run("MaxAttempts", func(t *testing.T) {
		b := NewBackoff(RedialPolicy{First: time.Millisecond, Jitter: -1, MaxAttempts: 3})
		for n := 1; n <= 3; n++ {
			_, ok := b.Next()
			require.True(t, ok, "attempt %d", n)
		}
		_, ok := b.Next()
		assert.False(t, ok)
		assert.Equal(t, 3, b.Attempts())
	})
}

var quick = RedialPolicy{First: 5 * time.Millisecond, Cap: 20 * time.Millisecond, Jitter: -1}

func TestManagerConnect(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		m := NewManager(func(context.Context) error { return nil }, quick)
		defer m.Close()

		var states []State
		m.OnStateChange(func(_, next State) { states = append(states, next) })
		connected := false
		m.OnConnected(func() { connected = true })

		require.NoError(t, m.Connect(context.Background()))
		assert.True(t, connected)
		assert.True(t, m.IsConnected())
		assert.Equal(t, []State{StateConnecting, StateConnected}, states)

		assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyConnected)
	})

	t.Run("Refused", func(t *testing.T) {
		refused := errors.New("refused")
		m := NewManager(func(context.Context) error { return refused }, quick)
		defer m.Close()

		assert.ErrorIs(t, m.Connect(context.Background()), refused)
		assert.Equal(t, StateDisconnected, m.State())
	})

	t.Run("AfterClose", func(t *testing.T) {
		m := NewManager(func(context.Context) error { return nil }, quick)
		m.Close()
		assert.ErrorIs(t, m.Connect(context.Background()), ErrConnectionClosed)
		assert.Equal(t, StateClosed, m.State())
	})
}

func TestManagerRedials(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(context.Context) error {
		// Initial dial, two refused redials, then success.
		switch calls.Add(1) {
		case 2, 3:
			return errors.New("hub down")
		}
		return nil
	}, quick)
	m.StartReconnectLoop()
	defer m.Close()

	var mu sync.Mutex
	var delays []time.Duration
	m.OnReconnecting(func(_ int, d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	m.NotifyConnectionLost()
	assert.Equal(t, StateReconnecting, m.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
	assert.EqualValues(t, 4, calls.Load())
	assert.Zero(t, m.BackoffAttempts())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestManagerGivesUp(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(context.Context) error {
		if calls.Add(1) == 1 {
			return nil
		}
		return errors.New("hub down")
	}, RedialPolicy{First: 5 * time.Millisecond, Jitter: -1, MaxAttempts: 2})
	m.StartReconnectLoop()
	defer m.Close()

	gaveUp := make(chan int, 1)
	m.OnGiveUp(func(n int) { gaveUp <- n })

	require.NoError(t, m.Connect(context.Background()))
	m.NotifyConnectionLost()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, m.WaitConnected(ctx), ErrRedialExhausted)
	assert.Equal(t, StateFailed, m.State())
	assert.EqualValues(t, 3, calls.Load())

	select {
	case n := <-gaveUp:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("OnGiveUp not called")
	}

	// A failed manager may be connected again by hand.
	calls.Store(0)
	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())
}

func TestManagerWithoutAutoReconnect(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(context.Context) error {
		calls.Add(1)
		return nil
	}, quick)
	m.SetAutoReconnect(false)
	m.StartReconnectLoop()
	defer m.Close()

	disconnected := false
	m.OnDisconnected(func() { disconnected = true })

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()
	time.Sleep(50 * time.Millisecond)

	assert.True(t, disconnected)
	assert.Equal(t, StateDisconnected, m.State())
	assert.EqualValues(t, 1, calls.Load())
}

func TestWaitConnectedEndsOnClose(t *testing.T) {
	m := NewManager(func(context.Context) error { return errors.New("refused") }, quick)

	done := make(chan error, 1)
	go func() { done <- m.WaitConnected(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("WaitConnected did not return after Close")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "DISCONNECTED",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		StateClosed:       "CLOSED",
		StateFailed:       "FAILED",
		State(99):         "UNKNOWN",
	} {
		assert.Equal(t, want, s.String())
	}
}
