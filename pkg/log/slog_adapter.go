package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates an adapter. A nil logger uses slog.Default().
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.Device != "" {
		attrs = append(attrs, slog.String("device", event.Device))
	}
	if event.Property != "" {
		attrs = append(attrs, slog.String("property", event.Property))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
		if event.Frame.FDs > 0 {
			attrs = append(attrs, slog.Int("fds", event.Frame.FDs))
		}
	case event.Message != nil:
		attrs = append(attrs, slog.String("msg_type", event.Message.Type.String()))
		if event.Message.RequestID != 0 {
			attrs = append(attrs, slog.Uint64("request_id", uint64(event.Message.RequestID)))
		}
		if event.Message.State != nil {
			attrs = append(attrs, slog.Uint64("state", uint64(*event.Message.State)))
		}
		if event.Message.Elements > 0 {
			attrs = append(attrs, slog.Int("elements", event.Message.Elements))
		}
		if event.Message.Code != nil {
			attrs = append(attrs, slog.String("code", event.Message.Code.String()))
		}
		if event.Message.Text != "" {
			attrs = append(attrs, slog.String("text", event.Message.Text))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
