package examples

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/driver"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/persistence"
	"github.com/propbus/propbus-go/pkg/snoop"
)

// Dome vector and element names.
const (
	ShutterVector = "Shutter"
	ShutterOpen   = "Open"
	ShutterClose  = "Close"
)

// DomeConfig contains configuration for creating a Dome.
type DomeConfig struct {
	// Name is the device name (default "Dome").
	Name string

	// RainDevice is the detector to snoop on. Empty disables rain
	// protection.
	RainDevice string

	// MoveTime is how long the shutter takes to open or close
	// (default 2s).
	MoveTime time.Duration

	// Store, if set, keeps the shutter position across restarts.
	Store *persistence.DeviceStateStore

	Logger *slog.Logger
}

// Dome is an observatory dome with a shutter. It snoops on a rain detector
// and closes its own shutter when the detector reports Alert.
type Dome struct {
	dev      *driver.Device
	moveTime time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	moving *time.Timer
	moveID uint64
}

// NewDome registers the dome on hub. The shutter starts Idle and open.
func NewDome(hub bus.Hub, cfg DomeConfig) (*Dome, error) {
	if cfg.Name == "" {
		cfg.Name = "Dome"
	}
	if cfg.MoveTime <= 0 {
		cfg.MoveTime = 2 * time.Second
	}
	logger := loggerOrDefault(cfg.Logger).With("device", cfg.Name)

	opts := []driver.Option{driver.WithLogger(loggerOrDefault(cfg.Logger))}
	if cfg.Store != nil {
		opts = append(opts, driver.WithStore(cfg.Store))
	}
	dev, err := driver.New(hub, cfg.Name, opts...)
	if err != nil {
		return nil, err
	}

	d := &Dome{dev: dev, moveTime: cfg.MoveTime, logger: logger}

	shutter := model.NewVector(cfg.Name, ShutterVector, "Shutter", model.PermReadWrite,
		model.SwitchElement(ShutterOpen, "Open", model.SwitchOn),
		model.SwitchElement(ShutterClose, "Close", model.SwitchOff),
	)
	shutter.Group = "Main"
	shutter.Rule = model.RuleOneOfMany
	shutter.Timeout = cfg.MoveTime.Seconds()
	dev.OnRequest(ShutterVector, d.moveShutter)
	if err := dev.Define(shutter); err != nil {
		_ = dev.Close()
		return nil, err
	}

	if cfg.RainDevice != "" {
		if err := dev.Snoop(cfg.RainDevice, RainAlertVector, snoop.BlobNever, d.onRain); err != nil {
			_ = dev.Close()
			return nil, err
		}
	}
	return d, nil
}

// Name returns the device name.
func (d *Dome) Name() string {
	return d.dev.Name()
}

// Shutter returns a copy of the shutter vector.
func (d *Dome) Shutter() (*model.Vector, error) {
	return d.dev.Vector(ShutterVector)
}

// onRain runs on the snoop delivery goroutine.
func (d *Dome) onRain(ev snoop.Event) {
	if ev.Vector == nil || ev.Vector.State != model.StateAlert {
		return
	}
	d.logger.Info("rain alert, closing shutter", "source", ev.Device)
	err := d.dev.Request(context.Background(), d.Name(), ShutterVector, model.Set(ShutterClose, model.SwitchOn))
	if err != nil {
		d.logger.Warn("closing shutter failed", "error", err)
	}
}

// moveShutter reports Busy at once and the new position after MoveTime.
// A request arriving while the shutter moves supersedes the earlier one;
// the superseded move never reports.
func (d *Dome) moveShutter(_ context.Context, dev *driver.Device, req bus.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.moving != nil {
		d.moving.Stop()
		d.moving = nil
	}
	d.moveID++
	id := d.moveID

	if err := dev.SetState(req.Name, model.StateBusy); err != nil {
		return err
	}
	d.moving = time.AfterFunc(d.moveTime, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if id != d.moveID {
			return
		}
		d.moving = nil
		if err := dev.Accept(req, model.StateOk); err != nil {
			d.logger.Warn("shutter move failed", "error", err)
			_ = dev.SetState(req.Name, model.StateAlert)
		}
	})
	return nil
}

// Close stops any movement and removes the dome from the hub.
func (d *Dome) Close() error {
	d.mu.Lock()
	if d.moving != nil {
		d.moving.Stop()
	}
	d.moveID++
	d.mu.Unlock()
	return d.dev.Close()
}
