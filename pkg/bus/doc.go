// Package bus implements the in-process property hub.
//
// A Bus caches the latest copy of every vector defined by its drivers and
// relays the four protocol events between the parties:
//
//	driver  -> Define / Update / Delete / Message -> listeners, watchers
//	client  -> Request                            -> owning driver
//
// Client requests are validated against the cached definition before they
// reach the driver. A request that does not match is never applied; the
// requester alone sees the addressed vector go to Alert.
//
// Drivers snoop on each other with Watch. Listeners and watchers are served
// from one snoop.Registry, so each sees the events for a property in the
// order they were issued, and may call back into the bus from inside their
// handler.
package bus
