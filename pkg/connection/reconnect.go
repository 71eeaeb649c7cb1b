package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/propbus/propbus-go/pkg/await"
)

// Connection errors.
var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrReconnectDisabled = errors.New("reconnection disabled")
	ErrConnectTimeout    = errors.New("connection timeout")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrRedialExhausted   = errors.New("redial attempts exhausted")
)

// DialTimeout bounds a single reconnection attempt.
const DialTimeout = 5 * time.Second

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateReconnecting indicates automatic reconnection is in progress.
	StateReconnecting

	// StateClosed indicates the connection manager has been closed.
	StateClosed

	// StateFailed indicates the redial policy gave up. Connect may be
	// called again.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc is called to establish a connection.
// It should return nil on success or an error on failure.
type ConnectFunc func(ctx context.Context) error

// Manager manages connection lifecycle with automatic reconnection.
type Manager struct {
	// mu guards transitions and callbacks; state is readable without it.
	mu    sync.Mutex
	state *await.Cond[State]

	backoff       *Backoff
	connectFn     ConnectFunc
	autoReconnect bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// reconnectCh signals the reconnection loop.
	reconnectCh chan struct{}

	onStateChange  func(oldState, newState State)
	onConnected    func()
	onDisconnected func()
	onReconnecting func(attempt int, delay time.Duration)
	onGiveUp       func(attempts int)
}

// NewManager creates a connection manager that redials according to
// policy.
func NewManager(connectFn ConnectFunc, policy RedialPolicy) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		state:         await.NewCond(StateDisconnected),
		backoff:       NewBackoff(policy),
		connectFn:     connectFn,
		autoReconnect: true,
		ctx:           ctx,
		cancel:        cancel,
		reconnectCh:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state.Get()
}

// IsConnected returns true if currently connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// WaitConnected blocks until the manager is connected. It returns
// ErrConnectionClosed if the manager is closed first, ErrRedialExhausted
// if the redial policy gives up, or the await error when ctx ends.
func (m *Manager) WaitConnected(ctx context.Context) error {
	s, err := m.state.Await(ctx, func(s State) bool {
		return s == StateConnected || s == StateClosed || s == StateFailed
	}, nil)
	if err != nil {
		return err
	}
	switch s {
	case StateClosed:
		return ErrConnectionClosed
	case StateFailed:
		return ErrRedialExhausted
	}
	return nil
}

// SetAutoReconnect enables or disables automatic reconnection.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = enabled
}

// transition moves from any state accepted by from to next and runs the
// state change callback. It reports whether the transition happened.
func (m *Manager) transition(from func(State) bool, next State) (State, bool) {
	m.mu.Lock()
	old := m.state.Get()
	if !from(old) {
		m.mu.Unlock()
		return old, false
	}
	m.state.Set(next)
	cb := m.onStateChange
	m.mu.Unlock()

	if cb != nil {
		cb(old, next)
	}
	return old, true
}

// Connect initiates a connection.
func (m *Manager) Connect(ctx context.Context) error {
	old, ok := m.transition(func(s State) bool {
		return s != StateConnected && s != StateClosed && s != StateConnecting
	}, StateConnecting)
	if !ok {
		switch old {
		case StateClosed:
			return ErrConnectionClosed
		default:
			return ErrAlreadyConnected
		}
	}

	if err := m.connectFn(ctx); err != nil {
		m.transition(func(s State) bool { return s == StateConnecting }, StateDisconnected)
		return err
	}

	m.connected()
	return nil
}

func (m *Manager) connected() {
	m.backoff.Reset()
	if _, ok := m.transition(func(s State) bool { return s != StateClosed }, StateConnected); !ok {
		return
	}

	m.mu.Lock()
	cb := m.onConnected
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Disconnect marks the connection as closed by the local side.
// If autoReconnect is enabled, reconnection will be attempted.
func (m *Manager) Disconnect() {
	m.lost()
}

// NotifyConnectionLost should be called when a connection loss is detected.
// This triggers automatic reconnection if enabled.
func (m *Manager) NotifyConnectionLost() {
	m.lost()
}

func (m *Manager) lost() {
	m.mu.Lock()
	auto := m.autoReconnect
	m.mu.Unlock()

	next := StateDisconnected
	if auto {
		next = StateReconnecting
	}
	if _, ok := m.transition(func(s State) bool { return s == StateConnected }, next); !ok {
		return
	}

	m.mu.Lock()
	cb := m.onDisconnected
	m.mu.Unlock()
	if cb != nil {
		cb()
	}

	if auto {
		m.triggerReconnect()
	}
}

// StartReconnectLoop starts the background reconnection loop.
// Must be called once before reconnection will work.
func (m *Manager) StartReconnectLoop() {
	m.wg.Add(1)
	go m.reconnectLoop()
}

// Close shuts down the connection manager.
func (m *Manager) Close() {
	if _, ok := m.transition(func(s State) bool { return s != StateClosed }, StateClosed); !ok {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// triggerReconnect signals that reconnection should be attempted.
func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// Already pending
	}
}

// reconnectLoop runs in a goroutine and handles reconnection attempts.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.attemptReconnect()
		}
	}
}

// attemptReconnect performs reconnection with backoff.
func (m *Manager) attemptReconnect() {
	for {
		if s := m.State(); s != StateReconnecting {
			return
		}

		delay, ok := m.backoff.Next()
		attempts := m.backoff.Attempts()
		if !ok {
			m.giveUp(attempts)
			return
		}

		m.mu.Lock()
		cb := m.onReconnecting
		m.mu.Unlock()
		if cb != nil {
			cb(attempts, delay)
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		if m.State() != StateReconnecting {
			return
		}

		ctx, cancel := context.WithTimeout(m.ctx, DialTimeout)
		err := m.connectFn(ctx)
		cancel()

		if err == nil {
			m.connected()
			return
		}
	}
}

func (m *Manager) giveUp(attempts int) {
	if _, ok := m.transition(func(s State) bool { return s == StateReconnecting }, StateFailed); !ok {
		return
	}
	m.backoff.Reset()

	m.mu.Lock()
	cb := m.onGiveUp
	m.mu.Unlock()
	if cb != nil {
		cb(attempts)
	}
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnConnected sets a callback for successful connection.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnDisconnected sets a callback for disconnection.
func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = fn
}

// OnReconnecting sets a callback for reconnection attempts.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// OnGiveUp sets a callback run when the redial policy is exhausted.
func (m *Manager) OnGiveUp(fn func(attempts int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGiveUp = fn
}

// BackoffAttempts returns the current number of reconnection attempts.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}
