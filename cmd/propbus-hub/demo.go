package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/config"
	"github.com/propbus/propbus-go/pkg/examples"
	"github.com/propbus/propbus-go/pkg/persistence"
	"github.com/propbus/propbus-go/pkg/shm"
)

// demo holds the example devices.
type demo struct {
	rain   *examples.RainDetector
	dome   *examples.Dome
	camera *examples.Camera
	logger *slog.Logger
}

// startDemo registers the example devices on hub.
func startDemo(hub bus.Hub, cfg *config.Config, alloc *shm.Allocator, logger *slog.Logger) (*demo, error) {
	d := &demo{logger: logger}

	rain, err := examples.NewRainDetector(hub, examples.RainDetectorConfig{Logger: logger})
	if err != nil {
		return nil, err
	}
	d.rain = rain

	domeCfg := examples.DomeConfig{
		RainDevice: rain.Name(),
		Logger:     logger,
	}
	if cfg.Persistence.Dir != "" {
		domeCfg.Store = persistence.NewDir(cfg.Persistence.Dir).Store("Dome")
	}
	dome, err := examples.NewDome(hub, domeCfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.dome = dome

	camera, err := examples.NewCamera(hub, examples.CameraConfig{
		Arena:  shm.NewArena(alloc, cfg.SharedMem.InlineThreshold),
		Logger: logger,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.camera = camera

	logger.Info("demo devices running", "devices", []string{rain.Name(), dome.Name(), camera.Name()})
	return d, nil
}

// simulateWeather toggles the rain detector every interval.
func (d *demo) simulateWeather(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	raining := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raining = !raining
			if err := d.rain.SetRaining(raining); err != nil {
				d.logger.Warn("rain simulation", "error", err)
				continue
			}
			d.logger.Info("weather changed", "raining", raining)
		}
	}
}

// Close unregisters the example devices.
func (d *demo) Close() error {
	var errs []error
	if d.camera != nil {
		errs = append(errs, d.camera.Close())
	}
	if d.dome != nil {
		errs = append(errs, d.dome.Close())
	}
	if d.rain != nil {
		errs = append(errs, d.rain.Close())
	}
	return errors.Join(errs...)
}
