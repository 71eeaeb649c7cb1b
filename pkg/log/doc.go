// Package log provides protocol capture for the property bus.
//
// It is separate from operational logging (slog): every frame, decoded
// message, connection state change and protocol error can be recorded as
// an Event and written to a CBOR file for later inspection.
//
//	// Development: events as slog debug lines.
//	logger := log.NewSlogAdapter(slog.Default())
//
//	// Production: binary capture, plus console.
//	file, _ := log.OpenFileLogger("/var/log/propbus/hub.plog",
//		log.FileLoggerConfig{SocketPath: "/run/propbus.sock", MaxSize: 64 << 20})
//	logger = log.NewMultiLogger(file, log.NewSlogAdapter(slog.Default()))
//
// A capture file starts with a tagged Header naming the hub socket and
// recording process and start time. OpenFileLogger can rotate the file
// once it reaches a size, keeping a fixed number of numbered backups.
//
// A Reader iterates a capture file, optionally filtered by connection,
// device, property or time window.
package log
