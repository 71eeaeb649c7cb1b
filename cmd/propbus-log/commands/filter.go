package commands

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/propbus/propbus-go/pkg/log"
)

// FilterOptions specifies filtering criteria for the filter command.
type FilterOptions struct {
	Output    string
	ConnID    string
	Device    string
	Property  string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
}

// BuildFilter converts the options into a log.Filter.
func BuildFilter(opts FilterOptions) (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: opts.ConnID,
		Device:       opts.Device,
		Property:     opts.Property,
	}

	if opts.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, opts.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if opts.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, opts.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if opts.Layer != "" {
		l, err := parseLayer(opts.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if opts.Direction != "" {
		d, err := parseDirection(opts.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if opts.Category != "" {
		c, err := parseCategory(opts.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	return filter, nil
}

// RunFilter writes the matching events of path to a new capture file and
// returns how many were written.
func RunFilter(path string, opts FilterOptions) (int, error) {
	filter, err := BuildFilter(opts)
	if err != nil {
		return 0, err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var socketPath string
	if h := reader.Header(); h != nil {
		socketPath = h.SocketPath
	}
	logger, err := log.OpenFileLogger(opts.Output, log.FileLoggerConfig{SocketPath: socketPath})
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}
	defer logger.Close()

	count := 0
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		logger.Log(event)
		count++
	}
}
