package await

import (
	"context"

	"github.com/propbus/propbus-go/pkg/model"
)

// completion is the state guarded by a Synchronizer.
type completion struct {
	done  bool
	state model.State
}

// Synchronizer is a reusable one-shot completion flag.
//
// The canonical command pattern is MarkPending, send the request, then
// WaitForCompletion or Wait. SignalComplete is called from the delivery
// goroutine once the addressed vector stops being Busy.
type Synchronizer struct {
	c *Cond[completion]
}

// NewSynchronizer creates a Synchronizer with no pending completion.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{c: NewCond(completion{})}
}

// MarkPending clears the completion flag ahead of a new command.
func (s *Synchronizer) MarkPending() {
	s.c.Set(completion{})
}

// SignalComplete sets the completion flag with the settled state and wakes
// the waiter.
func (s *Synchronizer) SignalComplete(state model.State) {
	s.c.Set(completion{done: true, state: state})
}

// Pending reports whether no completion has been signalled since the last
// MarkPending.
func (s *Synchronizer) Pending() bool {
	return !s.c.Get().done
}

// WaitForCompletion blocks until SignalComplete is called, then clears the
// flag for the next use. It never times out; see Wait.
func (s *Synchronizer) WaitForCompletion() model.State {
	state, _ := s.Wait(context.Background())
	return state
}

// Wait is WaitForCompletion bounded by ctx. It returns ErrSettleTimeout when
// ctx's deadline passes first.
func (s *Synchronizer) Wait(ctx context.Context) (model.State, error) {
	c, err := s.c.Await(ctx,
		func(c completion) bool { return c.done },
		func(completion) completion { return completion{} },
	)
	if err != nil {
		return model.StateIdle, err
	}
	return c.state, nil
}
