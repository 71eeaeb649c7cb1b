// Package interactive provides the interactive command-line interface
// for the propbus hub.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/client"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/service"
)

// SessionID names the console's client session on the bus.
const SessionID = "console"

// Console handles interactive mode for propbus-hub.
type Console struct {
	rl  *readline.Instance
	out io.Writer

	hub     *service.HubService
	session *client.Session
	settle  time.Duration

	mu      sync.Mutex
	watches map[string]struct{} // "device" or "device.property"; "*" is everything
}

// New creates the console. Log output should go to Stdout so it does not
// interfere with the prompt.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "propbus> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("devices"),
			readline.PcItem("props"),
			readline.PcItem("set"),
			readline.PcItem("watch"),
			readline.PcItem("unwatch"),
			readline.PcItem("messages"),
			readline.PcItem("clients"),
			readline.PcItem("kick-idle"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(out io.Writer) *Console {
	return &Console{
		out:     out,
		watches: make(map[string]struct{}),
	}
}

// Stdout returns a writer that properly coordinates with the readline input.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Attach connects the console to the hub's bus with its own client session.
func (c *Console) Attach(hub *service.HubService, settle time.Duration) error {
	sess, err := client.Attach(hub.Bus(), client.Config{
		ID:      SessionID,
		OnEvent: c.handleEvent,
	})
	if err != nil {
		return err
	}
	c.hub = hub
	c.session = sess
	c.settle = settle
	return nil
}

// Close detaches the console session.
func (c *Console) Close() {
	if c.session != nil {
		c.session.Detach()
	}
	if c.rl != nil {
		_ = c.rl.Close()
	}
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if !c.exec(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// exec runs one command line. It returns false when the console should exit.
func (c *Console) exec(ctx context.Context, line string) bool {
	args, err := splitArgs(strings.TrimSpace(line))
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return true
	}
	if len(args) == 0 {
		return true
	}
	cmd := strings.ToLower(args[0])
	args = args[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "devices", "d":
		c.cmdDevices()
	case "props", "p":
		c.cmdProps(args)
	case "set", "s":
		c.cmdSet(ctx, args)
	case "watch", "w":
		c.cmdWatch(args)
	case "unwatch":
		c.cmdUnwatch(args)
	case "messages", "m":
		c.cmdMessages()
	case "clients", "c":
		c.cmdClients()
	case "kick-idle":
		c.cmdKickIdle(args)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
propbus Hub Commands:
  Properties:
    devices                       - List devices
    props <device>                - Show the vectors of a device
    set <device> <vector> k=v ... - Request new values and wait for the result

  Monitoring:
    watch [device [vector]]       - Print updates (everything without arguments)
    unwatch [device [vector]]     - Stop printing updates
    messages                      - Show recent device messages

  Connections:
    clients                       - List hub connections
    kick-idle [age]               - Close idle connections older than age (default 1m)

  General:
    help                          - Show this help
    quit                          - Exit

  Names with spaces are quoted: props "Rain Detector"`)
}

func (c *Console) cmdDevices() {
	devices := c.session.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No devices defined")
		return
	}
	fmt.Fprintf(c.out, "\nDevices (%d):\n", len(devices))
	for _, d := range devices {
		fmt.Fprintf(c.out, "  %-24s %d vectors\n", d, len(c.session.Vectors(d)))
	}
}

func (c *Console) cmdProps(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.out, "Usage: props <device>")
		return
	}
	vectors := c.session.Vectors(args[0])
	if len(vectors) == 0 {
		fmt.Fprintf(c.out, "Unknown device: %s\n", args[0])
		return
	}
	for _, v := range vectors {
		formatVector(c.out, v)
	}
}

func (c *Console) cmdSet(ctx context.Context, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(c.out, "Usage: set <device> <vector> <element>=<value> ...")
		fmt.Fprintln(c.out, `  Example: set Dome Shutter Close=On`)
		return
	}
	device, name := args[0], args[1]

	v, err := c.session.Vector(device, name)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	values, err := ParseAssignments(v, args[2:])
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.settle)
	defer cancel()
	state, err := c.session.RequestAndWait(ctx, device, name, values...)
	if err != nil {
		fmt.Fprintf(c.out, "%s.%s: %s (%v)\n", device, name, state, err)
		return
	}
	fmt.Fprintf(c.out, "%s.%s: %s\n", device, name, state)
}

func (c *Console) cmdWatch(args []string) {
	k := watchKey(args)
	c.mu.Lock()
	c.watches[k] = struct{}{}
	c.mu.Unlock()
	fmt.Fprintf(c.out, "Watching %s\n", k)
}

func (c *Console) cmdUnwatch(args []string) {
	c.mu.Lock()
	if len(args) == 0 {
		c.watches = make(map[string]struct{})
	} else {
		delete(c.watches, watchKey(args))
	}
	c.mu.Unlock()
	fmt.Fprintln(c.out, "OK")
}

func (c *Console) cmdMessages() {
	msgs := c.session.Messages()
	if len(msgs) == 0 {
		fmt.Fprintln(c.out, "No messages")
		return
	}
	for _, m := range msgs {
		device := m.Device
		if device == "" {
			device = "-"
		}
		fmt.Fprintf(c.out, "  [%s] %s\n", device, m.Text)
	}
}

func (c *Console) cmdClients() {
	infos := c.hub.Connections()
	if len(infos) == 0 {
		fmt.Fprintln(c.out, "No clients connected")
		return
	}
	fmt.Fprintf(c.out, "\nConnections (%d):\n", len(infos))
	fmt.Fprintln(c.out, "-------------------------------------------")
	for _, info := range infos {
		fmt.Fprintf(c.out, "  ID: %s\n", info.ID)
		fmt.Fprintf(c.out, "      Connected: %s\n", info.ConnectedAt.Format("15:04:05"))
		if len(info.Devices) > 0 {
			fmt.Fprintf(c.out, "      Drives: %s\n", strings.Join(info.Devices, ", "))
		}
		fmt.Fprintf(c.out, "      Watching: %t\n", info.Watching)
	}
}

func (c *Console) cmdKickIdle(args []string) {
	age := time.Minute
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fmt.Fprintf(c.out, "Invalid duration: %v\n", err)
			return
		}
		age = d
	}
	fmt.Fprintf(c.out, "Closed %d idle connections\n", c.hub.CloseIdle(age))
}

// handleEvent prints events matching a watch.
func (c *Console) handleEvent(ev bus.Event) {
	c.mu.Lock()
	_, all := c.watches["*"]
	_, dev := c.watches[ev.Device]
	_, prop := c.watches[ev.Device+"."+ev.Property]
	c.mu.Unlock()
	if !all && !dev && !prop {
		return
	}

	ts := time.Now().Format("15:04:05.000")
	switch {
	case ev.Vector != nil:
		fmt.Fprintf(c.out, "[%s] %s %s.%s %s", ts, ev.Type, ev.Device, ev.Property, ev.Vector.State)
		for _, e := range ev.Changed {
			fmt.Fprintf(c.out, " %s=%s", e.Name, FormatValue(e.Value))
		}
		fmt.Fprintln(c.out)
	case ev.Property != "":
		fmt.Fprintf(c.out, "[%s] %s %s.%s\n", ts, ev.Type, ev.Device, ev.Property)
	default:
		fmt.Fprintf(c.out, "[%s] %s %s\n", ts, ev.Type, ev.Device)
	}
	if ev.Message != "" {
		fmt.Fprintf(c.out, "    %s\n", ev.Message)
	}
}

func watchKey(args []string) string {
	switch len(args) {
	case 0:
		return "*"
	case 1:
		return args[0]
	default:
		return args[0] + "." + args[1]
	}
}

// formatVector writes a vector and its elements.
func formatVector(w io.Writer, v *model.Vector) {
	fmt.Fprintf(w, "\n%s [%s, %s, %s]", v.Name, v.Kind, v.Perm, v.State)
	if v.Label != "" && v.Label != v.Name {
		fmt.Fprintf(w, " %q", v.Label)
	}
	fmt.Fprintln(w)
	for _, e := range v.Elements {
		fmt.Fprintf(w, "  %-16s = %s", e.Name, FormatValue(e.Value))
		if n, ok := e.Value.(model.Number); ok && n.Bounded() {
			fmt.Fprintf(w, "  [%g..%g]", n.Min, n.Max)
		}
		fmt.Fprintln(w)
	}
}

// FormatValue renders an element value for display.
func FormatValue(v model.Value) string {
	switch val := v.(type) {
	case model.Text:
		return strconv.Quote(string(val))
	case model.Number:
		return val.String()
	case model.Switch:
		return val.String()
	case model.Light:
		return val.String()
	case model.Blob:
		where := "inline"
		if val.Attached() {
			where = "shared"
		}
		return fmt.Sprintf("<%d bytes %s %s>", val.Size, val.Format, where)
	default:
		return "<none>"
	}
}

// ParseAssignments parses element=value pairs against the definition of v.
func ParseAssignments(v *model.Vector, args []string) ([]model.Element, error) {
	values := make([]model.Element, 0, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected element=value, got %q", arg)
		}
		def, ok := v.Element(name)
		if !ok {
			return nil, fmt.Errorf("%s.%s has no element %q", v.Device, v.Name, name)
		}
		val, err := parseValue(def.Kind(), raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		values = append(values, model.Set(name, val))
	}
	return values, nil
}

func parseValue(kind model.Kind, raw string) (model.Value, error) {
	switch kind {
	case model.KindText:
		return model.Text(raw), nil
	case model.KindNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", raw)
		}
		return model.Number{Value: f}, nil
	case model.KindSwitch:
		switch strings.ToLower(raw) {
		case "on", "true", "1":
			return model.SwitchOn, nil
		case "off", "false", "0":
			return model.SwitchOff, nil
		}
		return nil, fmt.Errorf("invalid switch %q (use On or Off)", raw)
	default:
		return nil, fmt.Errorf("%s elements cannot be set from the console", kind)
	}
}

// splitArgs splits a line on whitespace, keeping double-quoted runs
// together.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case !quoted && (r == ' ' || r == '\t'):
			if pending {
				args = append(args, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if pending {
		args = append(args, cur.String())
	}
	return args, nil
}
