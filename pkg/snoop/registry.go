package snoop

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/propbus/propbus-go/pkg/model"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("snoop registry closed")

// BlobPolicy controls whether a watch receives blob vectors.
type BlobPolicy uint8

const (
	// BlobNever skips blob vectors.
	BlobNever BlobPolicy = iota

	// BlobAlso delivers blob vectors along with everything else.
	BlobAlso

	// BlobOnly delivers blob vectors and nothing else.
	BlobOnly
)

// String returns the policy in its protocol form.
func (p BlobPolicy) String() string {
	switch p {
	case BlobNever:
		return "Never"
	case BlobAlso:
		return "Also"
	case BlobOnly:
		return "Only"
	default:
		return "Unknown"
	}
}

// ParseBlobPolicy parses "Never", "Also" or "Only".
func ParseBlobPolicy(s string) (BlobPolicy, bool) {
	switch s {
	case "Never", "never":
		return BlobNever, true
	case "Also", "also":
		return BlobAlso, true
	case "Only", "only":
		return BlobOnly, true
	}
	return BlobNever, false
}

// EventType identifies what happened to a vector.
type EventType uint8

const (
	EventDefine EventType = iota
	EventUpdate
	EventDelete
	EventMessage
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventDefine:
		return "define"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one observation of a foreign vector.
type Event struct {
	Type     EventType
	Device   string
	Property string

	// Vector is the vector after the change. It is nil for deletes and
	// messages.
	Vector *model.Vector

	// Changed holds the element values an update carried. Empty for a
	// state-only update.
	Changed []model.Element

	// Message is free text attached to the event.
	Message string
}

// Handler receives events on the watcher's delivery goroutine.
type Handler func(Event)

// key addresses a watch. An empty property watches the whole device; an
// empty device and property watch everything.
type key struct {
	device   string
	property string
}

type watch struct {
	policy  BlobPolicy
	handler Handler
}

type watcher struct {
	name    string
	watches map[key]watch
	box     *mailbox
}

// Registry routes vector events to interested watchers by name.
//
// Each watcher owns a FIFO mailbox drained by a single goroutine, so a
// watcher observes the events for one property in the order they were
// delivered and a slow watcher never blocks the publisher or other
// watchers. Handlers may call back into whatever published the event.
type Registry struct {
	mu       sync.RWMutex
	watchers map[string]*watcher
	closed   bool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		watchers: make(map[string]*watcher),
		logger:   logger,
	}
}

// Watch registers interest of watcher in device/property. Watching the same
// target again replaces the policy and handler.
func (r *Registry) Watch(watcherName, device, property string, policy BlobPolicy, fn Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	w, ok := r.watchers[watcherName]
	if !ok {
		w = &watcher{
			name:    watcherName,
			watches: make(map[key]watch),
			box:     newMailbox(),
		}
		r.watchers[watcherName] = w
		go w.box.run()
	}
	w.watches[key{device, property}] = watch{policy: policy, handler: fn}

	r.logger.Debug("snoop watch", "watcher", watcherName, "device", device,
		"property", property, "blobs", policy.String())
	return nil
}

// Unwatch removes a single watch. The watcher's mailbox is kept until
// UnwatchAll so queued events still drain.
func (r *Registry) Unwatch(watcherName, device, property string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.watchers[watcherName]; ok {
		delete(w.watches, key{device, property})
	}
}

// UnwatchAll removes every watch held by watcherName and stops its mailbox
// after the queued events have been handled.
func (r *Registry) UnwatchAll(watcherName string) {
	r.mu.Lock()
	w, ok := r.watchers[watcherName]
	delete(r.watchers, watcherName)
	r.mu.Unlock()

	if ok {
		w.box.close()
	}
}

// Deliver hands ev to every matching watcher. It never blocks on handlers.
// It returns the number of watchers the event was queued for.
func (r *Registry) Deliver(ev Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, w := range r.watchers {
		wt, ok := w.match(ev)
		if !ok || !wt.accepts(ev) {
			continue
		}
		handler := wt.handler
		w.box.push(func() { handler(ev) })
		n++
	}
	return n
}

// DeliverTo hands ev to one watcher if it has a matching watch. It is used
// to replay current definitions to a new watcher.
func (r *Registry) DeliverTo(watcherName string, ev Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.watchers[watcherName]
	if !ok {
		return false
	}
	wt, ok := w.match(ev)
	if !ok || !wt.accepts(ev) {
		return false
	}
	handler := wt.handler
	w.box.push(func() { handler(ev) })
	return true
}

// Watchers returns the sorted names of watchers that would receive an
// update of device/property, ignoring blob policy.
func (r *Registry) Watchers(device, property string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ev := Event{Type: EventUpdate, Device: device, Property: property}
	var names []string
	for name, w := range r.watchers {
		if _, ok := w.match(ev); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close stops every mailbox. Queued events are still handled.
func (r *Registry) Close() {
	r.mu.Lock()
	ws := r.watchers
	r.watchers = make(map[string]*watcher)
	r.closed = true
	r.mu.Unlock()

	for _, w := range ws {
		w.box.close()
	}
}

// match picks the watch that applies to ev: an exact property watch wins
// over a whole-device watch, which wins over a watch on everything. A
// device-wide event (empty property) goes to the device's property watch
// that sorts first.
func (w *watcher) match(ev Event) (watch, bool) {
	if ev.Property == "" {
		if wt, ok := w.watches[key{ev.Device, ""}]; ok {
			return wt, true
		}
		var first *key
		for k := range w.watches {
			if k.device == ev.Device && (first == nil || k.property < first.property) {
				first = &k
			}
		}
		if first != nil {
			return w.watches[*first], true
		}
	} else {
		if wt, ok := w.watches[key{ev.Device, ev.Property}]; ok {
			return wt, true
		}
		if wt, ok := w.watches[key{ev.Device, ""}]; ok {
			return wt, true
		}
	}
	wt, ok := w.watches[key{}]
	return wt, ok
}

func (wt watch) accepts(ev Event) bool {
	if ev.Vector == nil {
		return true
	}
	isBlob := ev.Vector.Kind == model.KindBlob
	switch wt.policy {
	case BlobNever:
		return !isBlob
	case BlobOnly:
		return isBlob
	default:
		return true
	}
}
