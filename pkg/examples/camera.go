package examples

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/propbus/propbus-go/pkg/bus"
	"github.com/propbus/propbus-go/pkg/driver"
	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
)

// Camera vector and element names.
const (
	ExposureVector  = "Exposure"
	ExposureElement = "Seconds"
	ImageVector     = "CCD1"
	ImageElement    = "CCD1"
)

// CameraConfig contains configuration for creating a Camera.
type CameraConfig struct {
	// Name is the device name (default "CCD Simulator").
	Name string

	// Width and Height of a frame in pixels (default 640x480). Pixels are
	// 16-bit big-endian.
	Width  int
	Height int

	// Arena allocates frame buffers. Frames of at least the arena's
	// threshold are published as shared segments, smaller ones inline.
	// Defaults to an arena on the default allocator that shares every
	// frame.
	Arena *shm.Arena

	// TimeScale divides exposure times, so tests can take a 10s exposure
	// in 10ms (default 1).
	TimeScale float64

	// Compress publishes frames inline as zlib streams instead of shared
	// segments.
	Compress bool

	Logger *slog.Logger
}

// Camera is a simulated CCD camera. A request on Exposure takes a frame
// and publishes it on the CCD1 blob vector.
type Camera struct {
	dev     *driver.Device
	arena   *shm.Arena
	frames  *shm.History
	width   int
	height  int
	scale   float64
	deflate bool
	logger  *slog.Logger
	counter uint16
}

// NewCamera registers the camera on hub and defines its vectors.
func NewCamera(hub bus.Hub, cfg CameraConfig) (*Camera, error) {
	if cfg.Name == "" {
		cfg.Name = "CCD Simulator"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.Arena == nil {
		cfg.Arena = shm.NewArena(nil, 1)
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	logger := loggerOrDefault(cfg.Logger)

	dev, err := driver.New(hub, cfg.Name, driver.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	c := &Camera{
		dev:    dev,
		arena:  cfg.Arena,
		frames: shm.NewHistory(shm.DefaultHistoryDepth),
		width:  cfg.Width,
		height: cfg.Height,
		scale:   cfg.TimeScale,
		deflate: cfg.Compress,
		logger:  logger.With("device", cfg.Name),
	}

	exposure := model.NewVector(cfg.Name, ExposureVector, "Expose", model.PermReadWrite,
		model.NumberElement(ExposureElement, "Duration (s)", "%5.2f", 0, 3600, 0.01, 0))
	exposure.Group = "Main"
	image := model.NewVector(cfg.Name, ImageVector, "Image Data", model.PermReadOnly,
		model.BlobElement(ImageElement, "Image", ".raw16"))
	image.Group = "Image"

	for _, v := range []*model.Vector{exposure, image} {
		if err := dev.Define(v); err != nil {
			_ = dev.Close()
			return nil, err
		}
	}
	dev.OnRequest(ExposureVector, c.expose)
	return c, nil
}

// Name returns the device name.
func (c *Camera) Name() string {
	return c.dev.Name()
}

// FrameSize returns the size of a frame in bytes.
func (c *Camera) FrameSize() int {
	return c.width * c.height * 2
}

func (c *Camera) expose(_ context.Context, dev *driver.Device, req bus.Request) error {
	var seconds float64
	for _, e := range req.Values {
		if n, ok := e.Value.(model.Number); ok && e.Name == ExposureElement {
			seconds = n.Value
		}
	}
	if err := dev.Set(ExposureVector, model.StateBusy, model.Set(ExposureElement, model.Number{Value: seconds})); err != nil {
		return err
	}
	if err := dev.SetState(ImageVector, model.StateBusy); err != nil {
		return err
	}

	wait := time.Duration(seconds / c.scale * float64(time.Second))
	time.AfterFunc(wait, func() {
		if err := c.publishFrame(); err != nil {
			c.logger.Warn("exposure failed", "error", err)
			_ = dev.SetState(ImageVector, model.StateAlert)
			_ = dev.SetState(ExposureVector, model.StateAlert)
			return
		}
		_ = dev.Set(ExposureVector, model.StateOk, model.Set(ExposureElement, model.Number{Value: 0}))
	})
	return nil
}

// publishFrame renders a test pattern and publishes it on CCD1.
func (c *Camera) publishFrame() error {
	size := c.FrameSize()
	buf, seg, err := c.arena.Alloc(size, false)
	if err != nil {
		return fmt.Errorf("allocate frame: %w", err)
	}

	c.counter++
	for i := 0; i < c.width*c.height; i++ {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(i)+c.counter)
	}

	if c.deflate {
		blob, err := model.CompressedBlob(buf, ".raw16")
		if seg != nil {
			_ = seg.Free()
		}
		if err != nil {
			return fmt.Errorf("compress frame: %w", err)
		}
		c.logger.Debug("frame ready", "size", size, "compressed", blob.Size)
		return c.dev.Set(ImageVector, model.StateOk, model.Set(ImageElement, blob))
	}

	blob := model.Blob{Size: size, Format: ".raw16"}
	if seg == nil {
		blob.Data = buf
	} else {
		im, err := seg.Seal()
		if err != nil {
			_ = seg.Free()
			return fmt.Errorf("seal frame: %w", err)
		}
		blob.Segment = im
		c.frames.Push(ImageElement, im)
	}

	c.logger.Debug("frame ready", "size", size, "shared", seg != nil)
	return c.dev.Set(ImageVector, model.StateOk, model.Set(ImageElement, blob))
}

// Close removes the camera from the hub and releases its frames.
func (c *Camera) Close() error {
	err := c.dev.Close()
	c.frames.Close()
	return err
}
