package log

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Logger receives protocol events. Implementations must be safe for
// concurrent use and should not block.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards all events. The zero value is ready to use.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// OrNoop returns l, or NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// FileLoggerConfig configures a FileLogger.
type FileLoggerConfig struct {
	// SocketPath is recorded in the capture header.
	SocketPath string

	// MaxSize rotates the capture once it would grow past this many bytes.
	// Zero disables rotation.
	MaxSize int64

	// MaxBackups is the number of rotated files kept as path.1 .. path.N
	// (default 3).
	MaxBackups int
}

// FileLogger appends CBOR-encoded events to a capture file. A new file
// starts with a Header; with MaxSize set the file is rotated to path.1 and
// a fresh one started.
type FileLogger struct {
	path   string
	config FileLoggerConfig

	mu        sync.Mutex
	file      *os.File
	size      int64
	headerLen int64
	rotations int
	written   int
	closed    bool
}

// NewFileLogger opens path for appending without rotation.
func NewFileLogger(path string) (*FileLogger, error) {
	return OpenFileLogger(path, FileLoggerConfig{})
}

// OpenFileLogger opens path for appending, creating it with mode 0644.
func OpenFileLogger(path string, config FileLoggerConfig) (*FileLogger, error) {
	if config.MaxBackups <= 0 {
		config.MaxBackups = 3
	}
	l := &FileLogger{path: path, config: config}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	l.file = f
	l.size = info.Size()
	l.headerLen = 0
	if l.size > 0 {
		return nil
	}

	data, err := EncodeHeader(Header{
		Version:    CaptureVersion,
		SocketPath: l.config.SocketPath,
		PID:        os.Getpid(),
		Started:    time.Now(),
		Rotation:   l.rotations,
	})
	if err != nil {
		_ = f.Close()
		return err
	}
	n, err := f.Write(data)
	l.size += int64(n)
	l.headerLen = int64(n)
	return err
}

// rotate shifts path.i to path.i+1, moves the live file to path.1 and
// opens a new one.
func (l *FileLogger) rotate() error {
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	for i := l.config.MaxBackups - 1; i >= 1; i-- {
		err := os.Rename(fmt.Sprintf("%s.%d", l.path, i), fmt.Sprintf("%s.%d", l.path, i+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return err
	}
	l.rotations++
	return l.open()
}

// Log writes the event. Encoding and write errors are dropped.
func (l *FileLogger) Log(event Event) {
	data, err := EncodeEvent(event)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.config.MaxSize > 0 && l.size > l.headerLen && l.size+int64(len(data)) > l.config.MaxSize {
		if err := l.rotate(); err != nil {
			// The capture stops; the hub keeps running.
			l.closed = true
			return
		}
	}
	n, err := l.file.Write(data)
	l.size += int64(n)
	if err == nil {
		l.written++
	}
}

// Written returns the number of events written so far.
func (l *FileLogger) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Rotations returns how often the capture was rotated.
func (l *FileLogger) Rotations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotations
}

// Close closes the file. Later events are ignored; closing twice is a no-op.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// MultiLogger fans events out to several loggers. Nil loggers are skipped.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log sends the event to every logger.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

var (
	_ Logger = NoopLogger{}
	_ Logger = (*FileLogger)(nil)
	_ Logger = (*MultiLogger)(nil)
)
