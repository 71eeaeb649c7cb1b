// Package examples provides reference drivers built with the driver
// package.
//
// The examples show:
//   - Defining Light, Switch, Number and Blob vectors
//   - Request handlers that move a vector Idle -> Busy -> Ok
//   - Snooping another device and reacting to its state
//   - Publishing large payloads through shared memory segments
//
// Available examples:
//   - RainDetector: a rain sensor exposing a "Rain Alert" light
//   - Dome: an observatory dome that closes its shutter when it rains
//   - Camera: a CCD camera publishing frames as "CCD1" blobs
//
// The hub binary runs RainDetector and Dome in demo mode.
package examples
