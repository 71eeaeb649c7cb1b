package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/propbus/propbus-go/pkg/log"
)

// ClientConfig configures Dial.
type ClientConfig struct {
	// MaxMessageSize is the maximum payload size (default 16 MiB).
	MaxMessageSize uint32

	// ConnectTimeout bounds Dial when ctx has no deadline (default 5s).
	ConnectTimeout time.Duration

	// Logger for protocol capture (optional).
	Logger log.Logger
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string, config ClientConfig) (*Conn, error) {
	config = config.withDefaults()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	nc, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		nc.Close()
		return nil, fmt.Errorf("dial failed: unexpected connection type %T", nc)
	}

	c := newConn(uc, config.MaxMessageSize, config.Logger)
	if config.Logger != nil {
		config.Logger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: c.id,
			Layer:        log.LayerTransport,
			Category:     log.CategoryState,
			RemoteAddr:   path,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityConnection,
				NewState: "CONNECTED",
			},
		})
	}
	return c, nil
}
