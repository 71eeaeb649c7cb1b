// Package connection keeps a hub client's socket alive.
//
// A Manager owns the connection state (DISCONNECTED, CONNECTING,
// CONNECTED, RECONNECTING, FAILED, CLOSED). When the socket goes away it
// redials on a RedialPolicy:
//
//	delay(n) = min(First * Factor^(n-1), Cap) + random(0, delay * Jitter)
//
// With the defaults that is 200ms, 400ms ... 6.4s, then 10s until the hub
// is back. A successful dial resets the schedule. With MaxAttempts set the
// manager moves to FAILED instead and WaitConnected returns
// ErrRedialExhausted.
//
// The connect function decides what "connected" means. For a Remote it
// dials the socket and re-sends the process's definitions and watches.
package connection
