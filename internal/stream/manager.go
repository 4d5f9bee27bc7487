// Package stream owns the live transport to the mission backend: dialing,
// reading raw messages and reconnecting with bounded exponential backoff.
// It knows nothing about graph semantics.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Status is the observable state of a Manager.
type Status string

// Connection states.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Message is one raw frame read from a transport. Event and ID are the
// transport-level event name and id where the transport has them (SSE),
// empty otherwise.
type Message struct {
	Event string
	ID    string
	Data  []byte
}

// Conn is an open transport session.
type Conn interface {
	// ReadMessage blocks until the next message arrives. It returns io.EOF on
	// a clean remote close and ErrEndOfStream when a finite source is drained.
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// Transport opens sessions.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
	Name() string
}

// ErrEndOfStream marks a finite source as drained; the Manager does not
// reconnect after it.
var ErrEndOfStream = errors.New("end of stream")

// ErrConnection is the sentinel matched by every ConnectionError.
var ErrConnection = errors.New("connection error")

// ConnectionError reports a dial or read failure. It is recovered by the
// reconnect schedule and only surfaced through OnStatus.
type ConnectionError struct {
	Transport string
	Attempt   int
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s transport failed (attempt %d): %v", e.Transport, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// Handler receives manager callbacks. All callbacks for one Manager are made
// from a single goroutine, never concurrently, and never after Disconnect
// returns.
type Handler interface {
	OnMessage(Message)
	OnStatus(status Status, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Message func(Message)
	Status  func(Status, error)
}

func (h HandlerFuncs) OnMessage(m Message) {
	if h.Message != nil {
		h.Message(m)
	}
}

func (h HandlerFuncs) OnStatus(s Status, err error) {
	if h.Status != nil {
		h.Status(s, err)
	}
}

// Manager is the reconnecting state machine around one Transport. A single
// goroutine owns the connection, the reconnect timer and all callbacks.
type Manager struct {
	logger    *zap.Logger
	transport Transport
	policy    Policy
	handler   Handler

	mu       sync.Mutex
	status   Status
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates a Manager in the disconnected state.
func NewManager(logger *zap.Logger, transport Transport, policy Policy, handler Handler) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	return &Manager{
		logger:    logger.Named("stream").With(zap.String("transport", transport.Name())),
		transport: transport,
		policy:    policy,
		handler:   handler,
		status:    StatusDisconnected,
	}
}

// Connect starts the connection loop. It is a no-op while a loop is already
// running; after the retry budget is exhausted it starts a fresh one.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		select {
		case <-m.done:
		default:
			return
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.failures = 0
	go m.run(loopCtx, m.done)
}

// Disconnect stops the loop, cancels any pending reconnect and waits for the
// loop goroutine to exit. It must not be called from inside a Handler callback.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.mu.Lock()
	m.status = StatusDisconnected
	m.mu.Unlock()
}

// Done returns a channel closed when the current connection loop exits
// because the source drained, the retry budget ran out or Disconnect was
// called. Before the first Connect it returns nil.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Status returns the current connection state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Failures returns the number of consecutive failures since the last
// successful connect.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Manager) setStatus(s Status, err error) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()
	if changed || err != nil {
		m.handler.OnStatus(s, err)
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	schedule := m.policy.NewBackOff()
	for {
		m.setStatus(StatusConnecting, nil)
		conn, err := m.transport.Dial(ctx)
		if err == nil {
			schedule.Reset()
			m.mu.Lock()
			m.failures = 0
			m.mu.Unlock()
			m.logger.Info("Stream connected.")
			m.setStatus(StatusConnected, nil)
			err = m.pump(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			m.setStatus(StatusDisconnected, nil)
			return
		}
		if errors.Is(err, ErrEndOfStream) {
			m.logger.Info("Stream source drained.")
			m.setStatus(StatusDisconnected, nil)
			return
		}

		m.mu.Lock()
		m.failures++
		attempt := m.failures
		m.mu.Unlock()

		connErr := &ConnectionError{Transport: m.transport.Name(), Attempt: attempt, Err: err}
		if errors.Is(err, io.EOF) {
			m.setStatus(StatusDisconnected, connErr)
		} else {
			m.setStatus(StatusError, connErr)
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			m.logger.Warn("Reconnect budget exhausted, waiting for a manual reconnect.",
				zap.Int("max_retries", m.policy.MaxRetries), zap.Error(err))
			return
		}
		m.logger.Info("Reconnect scheduled.", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setStatus(StatusDisconnected, nil)
			return
		case <-timer.C:
		}
	}
}

// pump forwards messages until the connection fails or ctx is cancelled.
func (m *Manager) pump(ctx context.Context, conn Conn) error {
	// Closing the connection unblocks a pending read on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if len(msg.Data) == 0 {
			continue
		}
		m.handler.OnMessage(msg)
	}
}
