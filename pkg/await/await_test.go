package await

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propbus/propbus-go/pkg/model"
)

func TestSynchronizerSignalBeforeWait(t *testing.T) {
	s := NewSynchronizer()
	s.MarkPending()
	assert.True(t, s.Pending())

	s.SignalComplete(model.StateOk)
	assert.False(t, s.Pending())
	assert.Equal(t, model.StateOk, s.WaitForCompletion())

	// The flag is cleared for the next command.
	assert.True(t, s.Pending())
}

func TestSynchronizerWaitReturnsSettledState(t *testing.T) {
	for _, want := range []model.State{model.StateOk, model.StateAlert} {
		t.Run(want.String(), func(t *testing.T) {
			s := NewSynchronizer()
			s.MarkPending()

			go func() {
				time.Sleep(20 * time.Millisecond)
				s.SignalComplete(want)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			got, err := s.Wait(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestSynchronizerTimeout(t *testing.T) {
	s := NewSynchronizer()
	s.MarkPending()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, ErrSettleTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// A late completion is absorbed by the next MarkPending.
	s.SignalComplete(model.StateOk)
	s.MarkPending()
	assert.True(t, s.Pending())
}

func TestSynchronizerCancel(t *testing.T) {
	s := NewSynchronizer()
	s.MarkPending()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := s.Wait(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSynchronizerReuse(t *testing.T) {
	s := NewSynchronizer()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		s.MarkPending()
		want := model.StateOk
		if i%3 == 0 {
			want = model.StateAlert
		}
		go s.SignalComplete(want)

		got, err := s.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCondAwaitPredicate(t *testing.T) {
	c := NewCond(0)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				c.Update(func(v int) int { return v + 1 })
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := c.Await(ctx, func(v int) bool { return v == 100 }, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, v)
	wg.Wait()
	assert.Equal(t, 100, c.Get())
}

func TestCondAwaitConsume(t *testing.T) {
	c := NewCond("")
	c.Set("ready")

	v, err := c.Await(context.Background(),
		func(s string) bool { return s != "" },
		func(string) string { return "" },
	)
	require.NoError(t, err)
	assert.Equal(t, "ready", v)
	assert.Equal(t, "", c.Get())
}
