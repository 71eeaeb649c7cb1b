package examples

import (
	"log/slog"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/driver"
	"github.com/propbus/propbus-go/pkg/model"
)

// Rain detector vector names.
const (
	RainAlertVector = "Rain Alert"
	RainElement     = "Rain"
)

// RainDetectorConfig contains configuration for creating a RainDetector.
type RainDetectorConfig struct {
	// Name is the device name (default "Rain Detector").
	Name   string
	Logger *slog.Logger
}

// RainDetector is a sensor reporting rain as an Alert light.
type RainDetector struct {
	dev *driver.Device
}

// NewRainDetector registers the detector on hub and defines its vectors.
// The alert starts Ok (dry).
func NewRainDetector(hub bus.Hub, cfg RainDetectorConfig) (*RainDetector, error) {
	if cfg.Name == "" {
		cfg.Name = "Rain Detector"
	}
	dev, err := driver.New(hub, cfg.Name, driver.WithLogger(loggerOrDefault(cfg.Logger)))
	if err != nil {
		return nil, err
	}

	alert := model.NewVector(cfg.Name, RainAlertVector, "Rain Alert", model.PermReadOnly,
		model.LightElement(RainElement, "Rain", model.StateOk))
	alert.Group = "Main"
	alert.State = model.StateOk
	if err := dev.Define(alert); err != nil {
		_ = dev.Close()
		return nil, err
	}
	return &RainDetector{dev: dev}, nil
}

// Name returns the device name.
func (r *RainDetector) Name() string {
	return r.dev.Name()
}

// SetRaining reports rain (Alert) or dry weather (Ok).
func (r *RainDetector) SetRaining(raining bool) error {
	state := model.StateOk
	if raining {
		state = model.StateAlert
	}
	return r.dev.Set(RainAlertVector, state, model.Set(RainElement, model.Light(state)))
}

// Close removes the detector from the hub.
func (r *RainDetector) Close() error {
	return r.dev.Close()
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
