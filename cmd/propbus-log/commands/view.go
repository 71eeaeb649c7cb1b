// Package commands implements the propbus-log CLI commands.
package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/propbus/propbus-go/pkg/log"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/wire"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	Device    string
}

const timestampFormat = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format(timestampFormat)
	connID := shortenConnID(event.ConnectionID)
	if connID == "" {
		connID = "-"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s", ts, connID, event.Direction, event.Layer, eventType(event))
	if event.Device != "" {
		fmt.Fprintf(w, " %s", event.Device)
		if event.Property != "" {
			fmt.Fprintf(w, ".%s", event.Property)
		}
	}
	fmt.Fprintln(w)

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// eventType labels the payload of an event.
func eventType(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Message != nil:
		return event.Message.Type.String()
	case event.StateChange != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if frame.FDs > 0 {
		fmt.Fprintf(w, "  Descriptors: %d\n", frame.FDs)
	}
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	if msg.RequestID != 0 {
		fmt.Fprintf(w, "  RequestID: %d\n", msg.RequestID)
	}
	if msg.State != nil {
		fmt.Fprintf(w, "  State: %s\n", model.State(*msg.State))
	}
	if msg.Elements > 0 {
		fmt.Fprintf(w, "  Elements: %d\n", msg.Elements)
	}
	if msg.Code != nil {
		fmt.Fprintf(w, "  Code: %s (%d)\n", msg.Code.String(), *msg.Code)
	}
	if msg.Text != "" {
		fmt.Fprintf(w, "  Text: %q\n", msg.Text)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Code != nil {
		fmt.Fprintf(w, "  Code: %s (%d)\n", wire.ErrorCode(*err.Code).String(), *err.Code)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	return parseLayer(s)
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "service":
		return log.LayerService, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, or service)", s)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	return parseDirection(s)
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	return parseCategory(s)
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state, or error)", s)
	}
}

// RunView prints every matching event of the capture file.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, log.Filter{
		Layer:     filter.Layer,
		Direction: filter.Direction,
		Category:  filter.Category,
		Device:    filter.Device,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
