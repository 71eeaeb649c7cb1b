package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/propbus/propbus-go/pkg/model"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// DeviceState contains the saved configuration of one device.
type DeviceState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Device is the device name the state belongs to.
	Device string `json:"device"`

	// Vectors holds the saved values of each writable vector.
	Vectors []VectorState `json:"vectors,omitempty"`
}

// VectorState is the saved element values of one vector.
type VectorState struct {
	Name   string         `json:"name"`
	Kind   string         `json:"kind"`
	Values []ElementValue `json:"values"`
}

// ElementValue is one saved element. Exactly one of the value fields is set,
// matching the vector kind.
type ElementValue struct {
	Name   string   `json:"name"`
	Text   *string  `json:"text,omitempty"`
	Number *float64 `json:"number,omitempty"`
	Switch *bool    `json:"switch,omitempty"`
}

// Vector returns the saved state of the named vector.
func (s *DeviceState) Vector(name string) (VectorState, bool) {
	for _, v := range s.Vectors {
		if v.Name == name {
			return v, true
		}
	}
	return VectorState{}, false
}

// Capture records the values of every writable Text, Number and Switch
// vector. Lights are read-only and blobs are transient; both are skipped.
func Capture(device string, vectors []*model.Vector) *DeviceState {
	state := &DeviceState{Device: device}
	for _, v := range vectors {
		if !v.Perm.CanWrite() || !persistable(v.Kind) {
			continue
		}
		vs := VectorState{Name: v.Name, Kind: v.Kind.String()}
		for _, e := range v.Elements {
			ev := ElementValue{Name: e.Name}
			switch val := e.Value.(type) {
			case model.Text:
				s := string(val)
				ev.Text = &s
			case model.Number:
				n := val.Value
				ev.Number = &n
			case model.Switch:
				b := bool(val)
				ev.Switch = &b
			}
			vs.Values = append(vs.Values, ev)
		}
		state.Vectors = append(state.Vectors, vs)
	}
	return state
}

// Elements converts the saved values back into request elements. Values of
// a different kind than kind are skipped.
func (v VectorState) Elements(kind model.Kind) []model.Element {
	var out []model.Element
	for _, ev := range v.Values {
		switch {
		case kind == model.KindText && ev.Text != nil:
			out = append(out, model.Set(ev.Name, model.Text(*ev.Text)))
		case kind == model.KindNumber && ev.Number != nil:
			out = append(out, model.Set(ev.Name, model.Number{Value: *ev.Number}))
		case kind == model.KindSwitch && ev.Switch != nil:
			out = append(out, model.Set(ev.Name, model.Switch(*ev.Switch)))
		}
	}
	return out
}

func persistable(k model.Kind) bool {
	return k == model.KindText || k == model.KindNumber || k == model.KindSwitch
}

// DeviceStateStore manages persistence of device state to a JSON file.
type DeviceStateStore struct {
	mu   sync.Mutex
	path string
}

// NewDeviceStateStore creates a new device state store.
func NewDeviceStateStore(path string) *DeviceStateStore {
	return &DeviceStateStore{path: path}
}

// Path returns the state file path.
func (s *DeviceStateStore) Path() string {
	return s.path
}

// Save persists the device state to disk.
func (s *DeviceStateStore) Save(state *DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure parent directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// Write then rename so a crash never leaves a half-written file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the device state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *DeviceStateStore) Load() (*DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &DeviceState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("%s: unsupported state version %d", s.path, state.Version)
	}

	return state, nil
}

// Clear removes the state file.
func (s *DeviceStateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Dir hands out one DeviceStateStore per device below a directory.
type Dir struct {
	root string
}

// NewDir creates a Dir rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Store returns the store for device. The file name is the device name with
// path separators and spaces replaced.
func (d *Dir) Store(device string) *DeviceStateStore {
	return NewDeviceStateStore(filepath.Join(d.root, fileName(device)))
}

var nameReplacer = strings.NewReplacer("/", "_", `\`, "_", " ", "_")

func fileName(device string) string {
	return nameReplacer.Replace(device) + ".json"
}
