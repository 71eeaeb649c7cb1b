// Package model implements the property model shared by drivers and clients.
//
// # Hierarchy
//
//	Device > Vector > Element
//
// A Device is a named piece of hardware (or a virtual one). It owns vectors,
// each a named group of elements of the same Kind that is defined, updated
// and requested as a unit:
//
//	Device (Dome Simulator)
//	├── Shutter        Switch  rw  OneOfMany  [Open, Close]
//	├── Rain Alert     Light   ro             [Rain]
//	└── Azimuth        Number  rw             [AZ]
//
// # Permissions and states
//
// A vector's Perm decides whether clients may request new values (WriteOnly,
// ReadWrite) or only observe them (ReadOnly). Its State reports how the last
// action went:
//
//	Idle   nothing pending
//	Ok     last action succeeded
//	Busy   an action is in progress
//	Alert  last action failed, or the value needs attention
//
// Drivers may move a vector to any state at any time. Client requests only
// deliver new values; the driver decides the resulting state.
//
// # Requests
//
// CheckRequest validates a client request against the definition. Every
// validation error wraps ErrPropertyMismatch; the offending request is
// rejected and never partially applied.
package model
