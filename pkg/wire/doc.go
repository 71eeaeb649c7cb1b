// Package wire defines the CBOR wire format of the property protocol.
//
// Every message is a CBOR map with integer keys. Key 1 always holds the
// MessageType so a receiver can dispatch with PeekMessageType before
// decoding the body.
//
// # Message Types
//
//   - Define: a driver announces a vector with its full definition
//   - Update: a driver reports new state and changed element values
//   - Delete: a driver removes a vector, or a whole device
//   - Request: a client asks for new element values
//   - Watch: a party subscribes to a foreign device or vector
//   - GetProperties: a party asks for the current definitions
//   - Message: free text attached to a device
//   - Error: a request was rejected
//
// # Attached Blobs
//
// Blob elements are either inline (the bytes travel in the message) or
// attached: the message carries an index into the descriptors that travel
// alongside the frame, plus the declared size and format. Descriptors are
// collected into an Attachments while encoding and resolved through a
// BlobResolver while decoding.
package wire
