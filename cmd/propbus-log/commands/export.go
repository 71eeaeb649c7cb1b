package commands

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/propbus/propbus-go/pkg/log"
)

// RunExport exports the capture file to the specified format. An empty
// output writes to stdout.
func RunExport(path, format, output string) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	return Export(reader, format, w)
}

// Export writes every event of reader to w as jsonl or csv.
func Export(reader *log.Reader, format string, w io.Writer) error {
	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"timestamp", "connection_id", "direction", "layer", "category", "device", "property", "type", "request_id"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return cw.Error()
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		reqID := ""
		if event.Message != nil && event.Message.RequestID != 0 {
			reqID = strconv.FormatUint(uint64(event.Message.RequestID), 10)
		}
		row := []string{
			event.Timestamp.UTC().Format(timestampFormat),
			event.ConnectionID,
			event.Direction.String(),
			event.Layer.String(),
			event.Category.String(),
			event.Device,
			event.Property,
			eventType(event),
			reqID,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
}
