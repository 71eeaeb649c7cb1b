package commands

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/propbus/propbus-go/pkg/log"
	"github.com/propbus/propbus-go/pkg/wire"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	MessagesByType    map[wire.MessageType]int
	Connections       map[string]*ConnectionStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Devices   []string
	FDs       int
}

// Collect reads the capture file and aggregates its events.
func Collect(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		MessagesByType:    make(map[wire.MessageType]int),
		Connections:       make(map[string]*ConnectionStats),
	}

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Message != nil {
		s.MessagesByType[event.Message.Type]++
	}
	if event.Error != nil {
		s.Errors++
	}

	if event.ConnectionID == "" {
		return
	}
	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{
			FirstSeen: event.Timestamp,
			LastSeen:  event.Timestamp,
		}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if event.Device != "" && !slices.Contains(conn.Devices, event.Device) {
		conn.Devices = append(conn.Devices, event.Device)
	}
	if event.Frame != nil {
		conn.FDs += event.Frame.FDs
	}
}

// RunStats analyzes the capture file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== propbus Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerService} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}

	if len(stats.MessagesByType) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Messages by Type:")
		for t := wire.MessageTypeDefine; t <= wire.MessageTypeError; t++ {
			if count := stats.MessagesByType[t]; count > 0 {
				fmt.Fprintf(w, "  %-14s %d\n", t.String()+":", count)
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenConnID(c.id), c.stats.Events, duration)
			if len(c.stats.Devices) > 0 {
				fmt.Fprintf(w, "           Devices: %v\n", c.stats.Devices)
			}
			if c.stats.FDs > 0 {
				fmt.Fprintf(w, "           Descriptors: %d\n", c.stats.FDs)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
