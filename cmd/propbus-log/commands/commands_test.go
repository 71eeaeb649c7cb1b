package commands

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/propbus/propbus-go/pkg/log"
	"github.com/propbus/propbus-go/pkg/wire"
)

var baseTime = time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)

func sampleEvents() []log.Event {
	ok := uint8(1)
	code := wire.ErrorCodePropertyMismatch
	errCode := int(wire.ErrorCodeNotOwner)
	return []log.Event{
		{
			Timestamp:    baseTime,
			ConnectionID: "abc12345-6789-0123-4567-890abcdef012",
			Direction:    log.DirectionIn,
			Layer:        log.LayerTransport,
			Category:     log.CategoryMessage,
			Frame:        &log.FrameEvent{Size: 128, Data: []byte{0xa1, 0x01}, FDs: 1},
		},
		{
			Timestamp:    baseTime.Add(time.Millisecond),
			ConnectionID: "abc12345-6789-0123-4567-890abcdef012",
			Direction:    log.DirectionIn,
			Layer:        log.LayerWire,
			Category:     log.CategoryMessage,
			Device:       "Dome",
			Property:     "Shutter",
			Message:      &log.MessageEvent{Type: wire.MessageTypeDefine, State: &ok, Elements: 2},
		},
		{
			Timestamp:    baseTime.Add(2 * time.Millisecond),
			ConnectionID: "def67890-0000-0000-0000-000000000000",
			Direction:    log.DirectionOut,
			Layer:        log.LayerWire,
			Category:     log.CategoryMessage,
			Device:       "Dome",
			Property:     "Shutter",
			Message:      &log.MessageEvent{Type: wire.MessageTypeError, RequestID: 9, Code: &code, Text: "out of range"},
		},
		{
			Timestamp: baseTime.Add(3 * time.Millisecond),
			Direction: log.DirectionIn,
			Layer:     log.LayerService,
			Category:  log.CategoryState,
			Device:    "Rain Detector",
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityDevice,
				NewState: "defined",
			},
		},
		{
			Timestamp:    baseTime.Add(4 * time.Millisecond),
			ConnectionID: "def67890-0000-0000-0000-000000000000",
			Direction:    log.DirectionIn,
			Layer:        log.LayerWire,
			Category:     log.CategoryError,
			Error: &log.ErrorEventData{
				Layer:   log.LayerWire,
				Message: "device owned",
				Code:    &errCode,
				Context: "define",
			},
		},
	}
}

func writeCapture(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.plog")
	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestFormatFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[0])
	output := buf.String()

	for _, want := range []string{
		"2026-01-28T10:15:32.123456Z",
		"[conn:abc12345]",
		"IN",
		"TRANSPORT",
		"Frame",
		"128 bytes",
		"Descriptors: 1",
		"Data: a101",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatMessageEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[2])
	output := buf.String()

	for _, want := range []string{
		"[conn:def67890]",
		"OUT",
		"Dome.Shutter",
		"RequestID: 9",
		"out of range",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatStateChangeWithoutConnection(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[3])
	output := buf.String()

	if !strings.Contains(output, "[conn:-]") {
		t.Errorf("expected placeholder connection, got: %s", output)
	}
	if !strings.Contains(output, "Entity: DEVICE") || !strings.Contains(output, "-> defined") {
		t.Errorf("expected state change details, got: %s", output)
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("WIRE"); err != nil || l != log.LayerWire {
		t.Errorf("ParseLayerFlag(WIRE) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("session"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("out"); err != nil || d != log.DirectionOut {
		t.Errorf("ParseDirectionFlag(out) = %v, %v", d, err)
	}
	if c, err := ParseCategoryFlag("state"); err != nil || c != log.CategoryState {
		t.Errorf("ParseCategoryFlag(state) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("control"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestRunViewFilters(t *testing.T) {
	path := writeCapture(t, sampleEvents())

	layer := log.LayerWire
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Layer: &layer, Device: "Dome"}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	output := buf.String()

	if n := strings.Count(output, "[conn:"); n != 2 {
		t.Errorf("expected 2 events, got %d: %s", n, output)
	}
	if strings.Contains(output, "TRANSPORT") {
		t.Errorf("transport events should be filtered out: %s", output)
	}
}

func TestCollectStats(t *testing.T) {
	path := writeCapture(t, sampleEvents())

	stats, err := Collect(path)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if stats.TotalEvents != 5 {
		t.Errorf("TotalEvents: expected 5, got %d", stats.TotalEvents)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors: expected 1, got %d", stats.Errors)
	}
	if len(stats.Connections) != 2 {
		t.Errorf("Connections: expected 2, got %d", len(stats.Connections))
	}
	if stats.MessagesByType[wire.MessageTypeDefine] != 1 {
		t.Errorf("expected one Define message")
	}
	conn := stats.Connections["abc12345-6789-0123-4567-890abcdef012"]
	if conn == nil || conn.FDs != 1 || len(conn.Devices) != 1 {
		t.Errorf("unexpected connection stats: %+v", conn)
	}

	var buf bytes.Buffer
	printStats(&buf, stats)
	if !strings.Contains(buf.String(), "Total Events: 5") {
		t.Errorf("unexpected stats output: %s", buf.String())
	}
}

func TestRunFilter(t *testing.T) {
	path := writeCapture(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.plog")

	n, err := RunFilter(path, FilterOptions{
		Output: out,
		ConnID: "def67890-0000-0000-0000-000000000000",
	})
	if err != nil {
		t.Fatalf("RunFilter: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}

	reader, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()
	events, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events in output, got %d", len(events))
	}
}

func TestBuildFilterErrors(t *testing.T) {
	if _, err := BuildFilter(FilterOptions{TimeStart: "yesterday"}); err == nil {
		t.Error("expected error for bad time-start")
	}
	if _, err := BuildFilter(FilterOptions{Direction: "sideways"}); err == nil {
		t.Error("expected error for bad direction")
	}
}

func TestExport(t *testing.T) {
	path := writeCapture(t, sampleEvents())

	t.Run("jsonl", func(t *testing.T) {
		reader, err := log.NewReader(path)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		defer reader.Close()

		var buf bytes.Buffer
		if err := Export(reader, "jsonl", &buf); err != nil {
			t.Fatalf("Export: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 5 {
			t.Fatalf("expected 5 lines, got %d", len(lines))
		}
		var first map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
			t.Errorf("line is not JSON: %v", err)
		}
	})

	t.Run("csv", func(t *testing.T) {
		reader, err := log.NewReader(path)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		defer reader.Close()

		var buf bytes.Buffer
		if err := Export(reader, "csv", &buf); err != nil {
			t.Fatalf("Export: %v", err)
		}
		output := buf.String()
		if !strings.HasPrefix(output, "timestamp,connection_id") {
			t.Errorf("missing header: %s", output)
		}
		if !strings.Contains(output, "Dome,Shutter,Error,9") {
			t.Errorf("missing error row: %s", output)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		reader, err := log.NewReader(path)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		defer reader.Close()
		if err := Export(reader, "xml", &bytes.Buffer{}); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}
