// Package persistence saves and restores the configuration of devices.
//
// Drivers keep the values of their writable Text, Number and Switch vectors
// in one JSON file per device, so a restarted driver comes back with the
// values a client last set. Lights and blobs are never saved.
package persistence
