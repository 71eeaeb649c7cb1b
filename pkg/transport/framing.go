package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/propbus/propbus-go/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxMessageSize bounds a frame's payload (16 MiB). Large blobs
	// travel as descriptors, so this only limits inline data.
	DefaultMaxMessageSize = 16 << 20

	// MaxFDsPerFrame is the maximum number of descriptors one frame carries.
	MaxFDsPerFrame = 16

	// readChunkSize is the size of a single socket read.
	readChunkSize = 64 << 10
)

// Framing errors.
var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
	ErrTooManyFDs      = fmt.Errorf("more than %d descriptors per frame", MaxFDsPerFrame)

	// ErrControlTruncated indicates the kernel dropped ancillary data, i.e.
	// descriptors were lost.
	ErrControlTruncated = errors.New("ancillary data truncated")
)

// FrameWriter writes length-prefixed frames with attached descriptors.
type FrameWriter struct {
	conn           *net.UnixConn
	maxMessageSize uint32
	mu             sync.Mutex

	logger log.Logger
	connID string
}

// NewFrameWriter creates a frame writer with the default max size.
func NewFrameWriter(conn *net.UnixConn) *FrameWriter {
	return NewFrameWriterWithMaxSize(conn, DefaultMaxMessageSize)
}

// NewFrameWriterWithMaxSize creates a frame writer with a custom max size.
func NewFrameWriterWithMaxSize(conn *net.UnixConn, maxSize uint32) *FrameWriter {
	return &FrameWriter{conn: conn, maxMessageSize: maxSize}
}

// SetLogger configures protocol logging. Pass nil to disable.
func (fw *FrameWriter) SetLogger(logger log.Logger, connID string) {
	fw.logger = logger
	fw.connID = connID
}

// WriteFrame writes a frame. The descriptors travel with the frame's first
// byte; they remain owned by the caller.
// Safe for concurrent use.
func (fw *FrameWriter) WriteFrame(data []byte, fds []int) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if uint32(len(data)) > fw.maxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), fw.maxMessageSize)
	}
	if len(fds) > MaxFDsPerFrame {
		return ErrTooManyFDs
	}

	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)

	var oob []byte
	if len(fds) > 0 {
		var err error
		if oob, err = rightsOOB(fds); err != nil {
			return err
		}
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	n, _, err := fw.conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	for n < len(buf) {
		m, err := fw.conn.Write(buf[n:])
		if err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
		n += m
	}

	if fw.logger != nil {
		fw.logger.Log(frameEvent(fw.connID, log.DirectionOut, data, len(fds)))
	}
	return nil
}

// FrameReader reads length-prefixed frames and the descriptors that came
// with them. Not safe for concurrent use.
type FrameReader struct {
	conn *net.UnixConn
	asm  assembler
	rbuf []byte
	oob  []byte

	logger log.Logger
	connID string
}

// NewFrameReader creates a frame reader with the default max size.
func NewFrameReader(conn *net.UnixConn) *FrameReader {
	return NewFrameReaderWithMaxSize(conn, DefaultMaxMessageSize)
}

// NewFrameReaderWithMaxSize creates a frame reader with a custom max size.
func NewFrameReaderWithMaxSize(conn *net.UnixConn, maxSize uint32) *FrameReader {
	return &FrameReader{
		conn: conn,
		asm:  assembler{max: maxSize},
		rbuf: make([]byte, readChunkSize),
		oob:  make([]byte, oobSpace(MaxFDsPerFrame)),
	}
}

// SetLogger configures protocol logging. Pass nil to disable.
func (fr *FrameReader) SetLogger(logger log.Logger, connID string) {
	fr.logger = logger
	fr.connID = connID
}

// ReadFrame returns the next frame and its descriptors, which the caller
// must close or hand on. It returns io.EOF on a clean end of stream.
// Descriptors still queued when an error is returned are closed.
func (fr *FrameReader) ReadFrame() ([]byte, []int, error) {
	for {
		frame, fds, ok, err := fr.asm.next()
		if err != nil {
			CloseFDs(fr.asm.drain())
			return nil, nil, err
		}
		if ok {
			if fr.logger != nil {
				fr.logger.Log(frameEvent(fr.connID, log.DirectionIn, frame, len(fds)))
			}
			return frame, fds, nil
		}

		n, oobn, flags, _, err := fr.conn.ReadMsgUnix(fr.rbuf, fr.oob)
		var fds2 []int
		if oobn > 0 {
			var perr error
			fds2, perr = parseRights(fr.oob[:oobn])
			if perr != nil {
				CloseFDs(fds2)
				CloseFDs(fr.asm.drain())
				return nil, nil, perr
			}
		}
		if flags&msgCtrunc != 0 {
			CloseFDs(fds2)
			CloseFDs(fr.asm.drain())
			return nil, nil, ErrControlTruncated
		}
		if n > 0 || len(fds2) > 0 {
			fr.asm.feed(fr.rbuf[:n], fds2)
		}

		if err == nil && n == 0 && oobn == 0 {
			err = io.EOF
		}
		if err != nil {
			// Deliver any complete frame before reporting the error.
			if frame, fds, ok, ferr := fr.asm.next(); ferr == nil && ok {
				fr.asm.err = err
				return frame, fds, nil
			}
			if errors.Is(err, io.EOF) && fr.asm.pending() {
				err = ErrFrameTruncated
			}
			CloseFDs(fr.asm.drain())
			return nil, nil, err
		}
	}
}

// Framer combines frame reading and writing on one socket.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramerWithMaxSize creates a framer with a custom max message size.
func NewFramerWithMaxSize(conn *net.UnixConn, maxSize uint32) *Framer {
	return &Framer{
		FrameReader: NewFrameReaderWithMaxSize(conn, maxSize),
		FrameWriter: NewFrameWriterWithMaxSize(conn, maxSize),
	}
}

// SetLogger configures logging for both directions.
func (f *Framer) SetLogger(logger log.Logger, connID string) {
	f.FrameReader.SetLogger(logger, connID)
	f.FrameWriter.SetLogger(logger, connID)
}

// FrameSize returns the total frame size including the length prefix.
func FrameSize(payloadSize int) int {
	return LengthPrefixSize + payloadSize
}

func frameEvent(connID string, dir log.Direction, data []byte, fds int) log.Event {
	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame:        log.NewFrameEvent(data, fds),
	}
}

// taggedFD is a received descriptor and the stream offset of the last byte
// read together with it.
type taggedFD struct {
	fd  int
	pos int64
}

// assembler splits a byte stream into frames and assigns each received
// descriptor to the frame containing the last byte of the read it came
// with. The kernel never delivers descriptors together with bytes that
// follow the message they were sent with.
type assembler struct {
	max  uint32
	buf  []byte
	base int64 // stream offset of buf[0]
	fds  []taggedFD

	// err is a read error deferred until buffered frames are consumed.
	err error
}

func (a *assembler) feed(data []byte, fds []int) {
	pos := a.base + int64(len(a.buf)+len(data)) - 1
	if pos < a.base {
		pos = a.base
	}
	for _, fd := range fds {
		a.fds = append(a.fds, taggedFD{fd: fd, pos: pos})
	}
	a.buf = append(a.buf, data...)
}

// next returns the next complete frame, if any.
func (a *assembler) next() (frame []byte, fds []int, ok bool, err error) {
	if len(a.buf) < LengthPrefixSize {
		return nil, nil, false, a.takeErr()
	}
	length := binary.BigEndian.Uint32(a.buf)
	if length == 0 {
		return nil, nil, false, ErrMessageEmpty
	}
	if length > a.max {
		return nil, nil, false, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, a.max)
	}
	total := LengthPrefixSize + int(length)
	if len(a.buf) < total {
		return nil, nil, false, a.takeErr()
	}

	frame = make([]byte, length)
	copy(frame, a.buf[LengthPrefixSize:total])

	end := a.base + int64(total)
	i := 0
	for i < len(a.fds) && a.fds[i].pos < end {
		fds = append(fds, a.fds[i].fd)
		i++
	}
	a.fds = a.fds[i:]

	a.buf = append(a.buf[:0], a.buf[total:]...)
	a.base = end
	return frame, fds, true, nil
}

// takeErr returns and clears a deferred read error, mapping EOF in the
// middle of a frame to ErrFrameTruncated.
func (a *assembler) takeErr() error {
	err := a.err
	a.err = nil
	if errors.Is(err, io.EOF) && a.pending() {
		return ErrFrameTruncated
	}
	return err
}

// pending reports whether a partial frame is buffered.
func (a *assembler) pending() bool {
	return len(a.buf) > 0
}

// drain returns every queued descriptor and forgets them.
func (a *assembler) drain() []int {
	out := make([]int, 0, len(a.fds))
	for _, t := range a.fds {
		out = append(out, t.fd)
	}
	a.fds = nil
	return out
}
