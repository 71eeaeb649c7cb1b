// Package await turns asynchronous property updates into blocking calls.
//
// The protocol is asynchronous: a client sends a request and the driver
// answers later with an update that moves the vector out of Busy. Commands
// that must look synchronous use a Synchronizer:
//
//	sync.MarkPending()
//	session.Request(...)
//	state, err := sync.Wait(ctx) // returns when the delivery callback signals
//
// The delivery goroutine calls SignalComplete when the vector settles. Wait
// returns ErrSettleTimeout when ctx expires first; the driver is unaffected
// and a late update is simply absorbed by the next MarkPending.
//
// Cond is the underlying generic primitive: a value guarded by a condition
// variable that callers can await with a predicate.
package await
