// Package session holds the per-connection state and write contract
// exposed to request handlers.
package session

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/deejcoder/asyncit/internal/metrics"
	"go.uber.org/zap"
)

type State int32

const (
	StateAccepted State = iota
	StateReading
	StateDispatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns exactly one client connection's outbound writer. Handlers
// reach the client only through Write; no other component may write to
// the same connection.
type Session struct {
	id  uint32
	tag string

	log     *zap.Logger
	metrics *metrics.Metrics

	mut_writer sync.Mutex
	writer     io.Writer

	state atomic.Int32
}

type SessionParams struct {
	Id     uint32
	Tag    string
	Writer io.Writer

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func CreateSession(params SessionParams) *Session {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	s := &Session{
		id:  params.Id,
		tag: params.Tag,
		log: logger.With(
			zap.Uint32("sessionId", params.Id),
			zap.String("sessionTag", params.Tag),
		),
		metrics: params.Metrics,

		mut_writer: sync.Mutex{},
		writer:     params.Writer,
	}
	s.state.Store(int32(StateAccepted))
	return s
}

func (s *Session) ID() uint32 {
	return s.id
}

func (s *Session) Tag() string {
	return s.tag
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Alive() bool {
	return s.State() != StateClosed
}

// Write sends message to the client verbatim. It returns false, never an
// error, when no writer is attached or the underlying send fails. The
// message is only ever logged as a structured field; client-supplied text
// never passes through a format string.
func (s *Session) Write(message string) bool {
	s.mut_writer.Lock()
	defer s.mut_writer.Unlock()

	if s.writer == nil {
		s.log.Debug("Dropping write: no writer attached", zap.Int("size", len(message)))
		return false
	}

	if _, err := io.WriteString(s.writer, message); err != nil {
		s.log.Warn("Failed to write to client", zap.Error(err))
		s.metrics.ObserveWriteFailure()
		return false
	}

	s.log.Debug("Wrote message to client", zap.String("message", message))
	return true
}

// DetachWriter releases the writer handle without closing the session.
// Called on connection errors so that later writes fail soft.
func (s *Session) DetachWriter() {
	s.mut_writer.Lock()
	defer s.mut_writer.Unlock()
	s.writer = nil
}

// markState moves the session to next unless it is already closed.
// StateClosed is terminal.
func (s *Session) markState(next State) bool {
	for {
		current := s.state.Load()
		if State(current) == StateClosed {
			return false
		}
		if s.state.CompareAndSwap(current, int32(next)) {
			return true
		}
	}
}

func (s *Session) MarkReading() bool {
	return s.markState(StateReading)
}

func (s *Session) MarkDispatching() bool {
	return s.markState(StateDispatching)
}

func (s *Session) Close() {
	s.state.Store(int32(StateClosed))
	s.DetachWriter()
}
