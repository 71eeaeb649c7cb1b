// Package snoop lets one party observe another device's vectors.
//
// A watcher registers interest in (device, property) pairs; an empty
// property means every property of the device. Matching is by name only,
// so a watch may be placed before the target device exists and survives
// the target being deleted and redefined.
//
// Blob vectors are filtered per watch according to its BlobPolicy.
package snoop
