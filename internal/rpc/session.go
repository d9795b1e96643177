package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/blockseal/pkg/log"
)

// DefaultMaxMessageSize bounds a single request line
const DefaultMaxMessageSize = 64 * 1024

// Session is one client connection
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int

	outbound   chan []byte
	done       chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once

	requests atomic.Uint64
	// lines read but not yet handled
	pending atomic.Int64
}

// NewSession creates a new session. maxMessageSize <= 0 selects
// DefaultMaxMessageSize.
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration, maxMessageSize int) *Session {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Session{
		id:             id,
		conn:           conn,
		logger:         logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		readTimeout:    readTimeout,
		writeTimeout:   writeTimeout,
		maxMessageSize: maxMessageSize,
		outbound:       make(chan []byte, 100),
		done:           make(chan struct{}),
		writerDone:     make(chan struct{}),
		readerDone:     make(chan struct{}),
	}
}

// Start processes the session until the client disconnects, the session is
// closed or ctx is done. It returns once the connection has been closed.
//
// Lines are read on their own goroutine so a disconnect closes the session
// while a handler is still running, which cancels work tied to Done.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop(ctx)

	lines := make(chan []byte)
	scanned := make(chan error, 1)
	go s.scanLoop(ctx, lines, scanned)

	err := s.dispatchLoop(ctx, handler, lines, scanned)
	<-s.writerDone
	<-s.readerDone
	return err
}

func (s *Session) dispatchLoop(ctx context.Context, handler MessageHandler, lines <-chan []byte, scanned <-chan error) error {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			select {
			case err := <-scanned:
				return err
			default:
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				return <-scanned
			}
			s.dispatch(ctx, handler, line)
			s.pending.Add(-1)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, handler MessageHandler, line []byte) {
	s.logger.LogRPCMessage("received", string(line))

	msg := GetMessage()
	defer PutMessage(msg)

	if err := decodeInto(line, msg); err != nil {
		s.logger.WithError(err).Warn("failed to parse message")
		if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
			s.logger.WithError(sendErr).Error("failed to send parse error")
		}
		return
	}

	s.requests.Add(1)
	if err := handler.HandleMessage(ctx, s, msg); err != nil {
		s.logger.WithError(err).Error("failed to handle message")
	}
}

// scanLoop reads request lines until the connection fails, then reports
// the outcome on scanned and closes the session.
func (s *Session) scanLoop(ctx context.Context, lines chan<- []byte, scanned chan<- error) {
	defer close(s.readerDone)

	err := s.scan(lines)
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case s.closed():
		err = nil
	case err == nil:
		s.logger.Info("client disconnected")
	default:
		s.logger.WithError(err).Warn("read failed")
	}

	scanned <- err
	close(lines)
	s.Close()
}

func (s *Session) scan(lines chan<- []byte) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	// the scanner only enforces its limit once the initial buffer is full
	initial := buf
	if s.maxMessageSize < len(buf) {
		initial = buf[:s.maxMessageSize:s.maxMessageSize]
	}

	scanner := bufio.NewScanner(idleReader{s})
	scanner.Buffer(initial, s.maxMessageSize)

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := append([]byte(nil), scanner.Bytes()...)

		s.pending.Add(1)
		select {
		case lines <- line:
		case <-s.done:
			s.pending.Add(-1)
			return nil
		}
	}
	return scanner.Err()
}

// idleReader applies the read timeout only while no request is pending, so
// a client waiting on a long seal is not cut off.
type idleReader struct {
	s *Session
}

func (r idleReader) Read(p []byte) (int, error) {
	for {
		if r.s.readTimeout > 0 {
			if err := r.s.conn.SetReadDeadline(time.Now().Add(r.s.readTimeout)); err != nil {
				return 0, err
			}
		}

		n, err := r.s.conn.Read(p)
		var netErr net.Error
		if n == 0 && errors.As(err, &netErr) && netErr.Timeout() && r.s.pending.Load() > 0 {
			continue
		}
		return n, err
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.drain()
			return
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				s.logger.WithError(err).Warn("failed to write message")
				s.Close()
				return
			}
		}
	}
}

// drain flushes responses queued before the session closed
func (s *Session) drain() {
	for {
		select {
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}

	if _, err := s.conn.Write(append(data, '\n')); err != nil {
		return err
	}

	s.logger.LogRPCMessage("sent", string(data))
	return nil
}

// SendMessage queues a message for the client
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if s.closed() {
		return fmt.Errorf("session closed")
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// Close closes the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed when the session closes
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Requests returns the number of messages handled so far
func (s *Session) Requests() uint64 {
	return s.requests.Load()
}

// Logger returns the session-scoped logger
func (s *Session) Logger() *log.Logger {
	return s.logger
}

// MessageHandler handles parsed messages. msg is only valid until
// HandleMessage returns.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}

// HandlerFunc adapts a function to MessageHandler
type HandlerFunc func(ctx context.Context, session *Session, msg *Message) error

// HandleMessage calls f
func (f HandlerFunc) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	return f(ctx, session, msg)
}
