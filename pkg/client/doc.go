// Package client implements the client side of the property protocol.
//
// A Session attaches to a bus.Hub, mirrors every vector the hub sends and
// offers the synchronous command pattern on top of the asynchronous
// protocol:
//
//	state, err := sess.RequestAndWait(ctx, "Dome", "Shutter",
//		model.Set("Close", model.SwitchOn))
//
// RequestAndWait marks the vector's synchronizer pending, sends the request
// and blocks until an update reports the vector settled (any state but
// Busy) or ctx expires.
package client
