// Command propbus-log is a tool for viewing and analyzing propbus protocol
// capture files.
//
// Capture files are written by propbus-hub when logging.protocol_log is set
// in its configuration (or PROPBUS_PROTOCOL_LOG in the environment).
//
// Usage:
//
//	propbus-log <command> [flags] <file.plog>
//
// Commands:
//
//	view     View capture file in human-readable format
//	export   Export capture file to JSON lines or CSV
//	filter   Filter capture file and write to new file
//	stats    Show statistics about the capture file
//
// Examples:
//
//	# View all events
//	propbus-log view hub.plog
//
//	# View only decoded messages concerning the dome
//	propbus-log view -layer wire -device Dome hub.plog
//
//	# Export to JSONL
//	propbus-log export -format jsonl hub.plog
//
//	# Filter by connection and save to new file
//	propbus-log filter -conn-id abc12345-... -o filtered.plog hub.plog
//
//	# Show statistics
//	propbus-log stats hub.plog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/propbus/propbus-go/cmd/propbus-log/commands"
)

const usage = `propbus-log - propbus protocol capture analyzer

Usage:
  propbus-log <command> [flags] <file.plog>

Commands:
  view     View capture file in human-readable format
  export   Export capture file to JSON lines or CSV
  filter   Filter capture file and write to new file
  stats    Show statistics about the capture file

Use "propbus-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// parseArgs parses fs and returns the capture file argument.
func parseArgs(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func usageFor(fs *flag.FlagSet, title, synopsis string) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "propbus-log %s - %s\n\nUsage:\n  propbus-log %s\n\nFlags:\n", fs.Name(), title, synopsis)
		fs.PrintDefaults()
	}
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	usageFor(fs, "View capture file in human-readable format", "view [flags] <file.plog>")

	layer := fs.String("layer", "", "Filter by layer (transport, wire, service)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, state, error)")
	device := fs.String("device", "", "Filter by device name")

	path := parseArgs(fs, args)

	filter := commands.ViewFilter{Device: *device}
	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			fail(err)
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			fail(err)
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			fail(err)
		}
		filter.Category = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	usageFor(fs, "Export capture file to JSON lines or CSV", "export [flags] <file.plog>")

	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")

	path := parseArgs(fs, args)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	usageFor(fs, "Filter capture file and write to new file", "filter [flags] <file.plog>")

	var opts commands.FilterOptions
	fs.StringVar(&opts.Output, "o", "", "Output file (required)")
	fs.StringVar(&opts.ConnID, "conn-id", "", "Filter by connection ID")
	fs.StringVar(&opts.Device, "device", "", "Filter by device name")
	fs.StringVar(&opts.Property, "property", "", "Filter by property name (with -device)")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, wire, service)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, state, error)")

	path := parseArgs(fs, args)

	if opts.Output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, opts)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, opts.Output)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	usageFor(fs, "Show statistics about the capture file", "stats <file.plog>")

	path := parseArgs(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
