package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/propbus/propbus-go/pkg/log"
)

// NewLogger builds the operational logger described by cfg. A nil w
// selects the configured output.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			w = os.Stdout
		default:
			w = os.Stderr
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "propbus")
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewProtocolLogger opens the protocol capture: the CBOR file, the trace
// into logger, both, or a no-op logger. socketPath is recorded in the
// capture header. The returned close function is never nil.
func NewProtocolLogger(cfg LoggingConfig, socketPath string, logger *slog.Logger) (log.Logger, func() error, error) {
	var sinks []log.Logger
	closer := func() error { return nil }

	if cfg.ProtocolLog != "" {
		fl, err := log.OpenFileLogger(cfg.ProtocolLog, log.FileLoggerConfig{
			SocketPath: socketPath,
			MaxSize:    cfg.ProtocolLogMaxSize,
			MaxBackups: cfg.ProtocolLogBackups,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fl)
		closer = fl.Close
	}
	if cfg.ProtocolTrace && logger != nil {
		sinks = append(sinks, log.NewSlogAdapter(logger))
	}

	switch len(sinks) {
	case 0:
		return log.NoopLogger{}, closer, nil
	case 1:
		return sinks[0], closer, nil
	default:
		return log.NewMultiLogger(sinks...), closer, nil
	}
}
