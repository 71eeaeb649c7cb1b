package wire

// ErrorCode classifies a rejected message. ErrorCodeOK acknowledges a
// correlated request that was accepted.
type ErrorCode uint8

const (
	// ErrorCodeOK acknowledges a request with a non-zero ID.
	ErrorCodeOK ErrorCode = 0

	// ErrorCodeInvalidMessage indicates a message that failed to decode or
	// validate.
	ErrorCodeInvalidMessage ErrorCode = 1

	// ErrorCodePropertyMismatch indicates a request that does not match the
	// addressed vector's definition.
	ErrorCodePropertyMismatch ErrorCode = 2

	// ErrorCodeUnknownDevice indicates no driver owns the addressed device.
	ErrorCodeUnknownDevice ErrorCode = 3

	// ErrorCodeNotOwner indicates a connection tried to update or delete a
	// device it does not own.
	ErrorCodeNotOwner ErrorCode = 4

	// ErrorCodeDriverFailed indicates the driver returned an error while
	// handling the request.
	ErrorCodeDriverFailed ErrorCode = 5

	// ErrorCodeUnsupported indicates the operation is not supported, e.g.
	// attached blobs on a transport without descriptor passing.
	ErrorCodeUnsupported ErrorCode = 6
)

// String returns the error code name.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeOK:
		return "OK"
	case ErrorCodeInvalidMessage:
		return "INVALID_MESSAGE"
	case ErrorCodePropertyMismatch:
		return "PROPERTY_MISMATCH"
	case ErrorCodeUnknownDevice:
		return "UNKNOWN_DEVICE"
	case ErrorCodeNotOwner:
		return "NOT_OWNER"
	case ErrorCodeDriverFailed:
		return "DRIVER_FAILED"
	case ErrorCodeUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}
