// Command propbus-hub runs a property bus and serves it on a unix socket.
//
// Drivers and clients in other processes connect to the socket; devices
// defined by a connection disappear when it closes. Blob elements travel as
// shared-memory descriptors.
//
// Usage:
//
//	propbus-hub [flags]
//
// Flags:
//
//	-config string     Configuration file path
//	-socket string     Socket path (overrides hub.socket_path)
//	-log-level string  Log level: debug, info, warn, error
//	-interactive       Start the interactive console
//	-demo              Run the rain detector, dome and camera examples
//	-attach            Run the demo devices against a running hub instead
//	                   of starting one
//
// Examples:
//
//	# Start a hub with the default configuration
//	propbus-hub
//
//	# Start a hub with example devices and a console
//	propbus-hub -demo -interactive
//
//	# Run the example devices in their own process
//	propbus-hub -demo -attach -socket /run/propbus/hub.sock
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/propbus/propbus-go/cmd/propbus-hub/interactive"
	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/config"
	"github.com/propbus/propbus-go/pkg/service"
	"github.com/propbus/propbus-go/pkg/shm"
)

// Flags holds the command-line flags.
type Flags struct {
	ConfigFile  string
	Socket      string
	LogLevel    string
	Interactive bool
	Demo        bool
	Attach      bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path")
	flag.StringVar(&flags.Socket, "socket", "", "Socket path (overrides hub.socket_path)")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Start the interactive console")
	flag.BoolVar(&flags.Demo, "demo", false, "Run the rain detector, dome and camera examples")
	flag.BoolVar(&flags.Attach, "attach", false, "Run the demo devices against a running hub")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "propbus-hub: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	var console *interactive.Console
	var logOut io.Writer
	if flags.Interactive {
		console, err = interactive.New()
		if err != nil {
			return err
		}
		defer console.Close()
		logOut = console.Stdout()
	}

	logger := config.NewLogger(cfg.Logging, logOut)
	slog.SetDefault(logger)

	plog, closePlog, err := config.NewProtocolLogger(cfg.Logging, cfg.Hub.SocketPath, logger)
	if err != nil {
		return fmt.Errorf("opening protocol log: %w", err)
	}
	defer func() { _ = closePlog() }()

	alloc := shm.NewAllocator(shm.Config{
		AllocationUnit: cfg.SharedMem.AllocationUnit,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if flags.Attach {
		if !flags.Demo {
			return fmt.Errorf("-attach requires -demo")
		}
		return runAttached(ctx, cfg, alloc, logger)
	}

	b := bus.NewWithConfig(bus.Config{Logger: logger, ProtocolLogger: plog})
	defer b.Close()

	mode, _ := cfg.Hub.Mode()
	hub := service.NewHubService(b, service.HubConfig{
		SocketPath:     cfg.Hub.SocketPath,
		SocketMode:     mode,
		MaxMessageSize: uint32(cfg.Hub.MaxMessageSize),
		Allocator:      alloc,
		Logger:         logger,
		ProtocolLogger: plog,
	})
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}
	defer func() {
		if err := hub.Stop(); err != nil {
			logger.Warn("stopping hub", "error", err)
		}
	}()

	if flags.Demo {
		demo, err := startDemo(b, cfg, alloc, logger)
		if err != nil {
			return err
		}
		defer demo.Close()
		go demo.simulateWeather(ctx, time.Minute)
	}

	if console != nil {
		if err := console.Attach(hub, cfg.Client.SettleTimeout); err != nil {
			return err
		}
		go console.Run(ctx, cancel)
	}

	waitForShutdown(ctx, logger)
	return nil
}

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(f Flags) (*config.Config, error) {
	cfg, err := config.Load(f.ConfigFile)
	if err != nil {
		return nil, err
	}
	if f.Socket != "" {
		cfg.Hub.SocketPath = f.Socket
	}
	if f.LogLevel != "" {
		cfg.Logging.Level = f.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runAttached runs the demo devices over a connection to a running hub.
func runAttached(ctx context.Context, cfg *config.Config, alloc *shm.Allocator, logger *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	remote, err := service.Dial(dialCtx, service.RemoteConfig{
		SocketPath:     cfg.Hub.SocketPath,
		MaxMessageSize: uint32(cfg.Hub.MaxMessageSize),
		Allocator:      alloc,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	defer remote.Close()

	demo, err := startDemo(remote, cfg, alloc, logger)
	if err != nil {
		return err
	}
	defer demo.Close()
	go demo.simulateWeather(ctx, time.Minute)

	waitForShutdown(ctx, logger)
	return nil
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}
	logger.Info("shutting down")
}
