// Package dispatch decodes frames as JSON requests and routes them to
// registered handlers under a bounded timeout.
package dispatch

import (
	"context"
	goerrs "errors"
	"time"

	"github.com/deejcoder/asyncit/internal/metrics"
	"github.com/deejcoder/asyncit/pkg/errors"
	"github.com/deejcoder/asyncit/pkg/session"
	"go.uber.org/zap"
)

// TerminateType is the reserved request type that shuts down the whole
// server. It is checked before any registry lookup and requires no
// authentication: any connected client can halt the process.
const TerminateType = "terminate"

const DefaultTimeout = 5 * time.Second

// Outcome enumerates how a frame was resolved. Dropped frames are never
// surfaced to the client; outcomes exist for logging and metrics only.
type Outcome int

const (
	OutcomeHandled Outcome = iota
	OutcomeDroppedEncoding
	OutcomeDroppedMalformed
	OutcomeDroppedNoType
	OutcomeUnknownType
	OutcomeTerminated
	OutcomeTimeout
	OutcomeCanceled
	OutcomeHandlerError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeDroppedEncoding:
		return "dropped_encoding"
	case OutcomeDroppedMalformed:
		return "dropped_malformed"
	case OutcomeDroppedNoType:
		return "dropped_no_type"
	case OutcomeUnknownType:
		return "unknown_type"
	case OutcomeTerminated:
		return "terminated"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeHandlerError:
		return "handler_error"
	default:
		return "unknown"
	}
}

type Dispatcher struct {
	registry *Registry

	timeout   time.Duration
	debugMode bool

	log     *zap.Logger
	metrics *metrics.Metrics

	onTerminate func()
}

type DispatcherParams struct {
	// Timeout bounds each handler invocation. Defaults to DefaultTimeout.
	Timeout time.Duration

	// DebugMode re-raises handler panics instead of swallowing them, so
	// programming errors surface during development.
	DebugMode bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// OnTerminate runs when a client sends the terminate request.
	OnTerminate func()
}

func CreateDispatcher(registry *Registry, params DispatcherParams) *Dispatcher {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	onTerminate := params.OnTerminate
	if onTerminate == nil {
		onTerminate = func() {}
	}

	return &Dispatcher{
		registry:    registry,
		timeout:     timeout,
		debugMode:   params.DebugMode,
		log:         logger.With(zap.String("component", "dispatcher")),
		metrics:     params.Metrics,
		onTerminate: onTerminate,
	}
}

func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// DispatchFrame resolves one frame against the registry. It never
// returns an error and never panics in normal operation: every failure
// mode maps to an Outcome and the caller's read loop continues.
func (d *Dispatcher) DispatchFrame(ctx context.Context, sess *session.Session, frame []byte) Outcome {
	outcome := d.dispatchFrame(ctx, sess, frame)
	d.metrics.ObserveDispatch(outcome.String())
	return outcome
}

func (d *Dispatcher) dispatchFrame(ctx context.Context, sess *session.Session, frame []byte) Outcome {
	req, outcome := decodeFrame(frame)
	if req == nil {
		d.log.Debug("Dropping frame",
			zap.String("reason", outcome.String()),
			zap.Int("size", len(frame)),
			zap.Uint32("sessionId", sess.ID()))
		return outcome
	}

	if req.Type == TerminateType {
		d.log.Warn("Terminate request received, shutting down server",
			zap.Uint32("sessionId", sess.ID()))
		d.onTerminate()
		return OutcomeTerminated
	}

	handler, has := d.registry.Lookup(req.Type)
	if !has {
		// Unknown types are expected traffic, not an error condition.
		d.log.Debug("No handler registered for request type, ignoring",
			zap.String("requestType", req.Type),
			zap.Uint32("sessionId", sess.ID()))
		return OutcomeUnknownType
	}

	d.log.Info("Invoking request handler",
		zap.String("requestType", req.Type),
		zap.Uint32("sessionId", sess.ID()),
		zap.Duration("timeout", d.timeout))

	return d.invoke(ctx, sess, handler, req)
}

func (d *Dispatcher) invoke(ctx context.Context, sess *session.Session, handler Handler, req *Request) Outcome {
	invokeCtx, release := context.WithTimeout(ctx, d.timeout)
	defer release()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if d.debugMode {
					panic(r)
				}
				done <- &errors.HandlerPanic{TypeName: req.Type, Value: r}
			}
		}()
		done <- handler(invokeCtx, sess, req)
	}()

	select {
	case <-invokeCtx.Done():
		if goerrs.Is(invokeCtx.Err(), context.DeadlineExceeded) {
			// The handler goroutine keeps the cancellation signal; the
			// invocation itself is abandoned and the loop moves on.
			d.metrics.ObserveTimeout()
			d.log.Warn("Handler timed out, abandoning invocation",
				zap.String("requestType", req.Type),
				zap.Duration("timeout", d.timeout))
			return OutcomeTimeout
		}
		return OutcomeCanceled
	case err := <-done:
		var panicErr *errors.HandlerPanic
		if goerrs.As(err, &panicErr) {
			d.log.Error("Handler panicked",
				zap.String("requestType", req.Type),
				zap.Any("panicValue", panicErr.Value),
				zap.Stack("stack"))
			return OutcomeHandlerError
		}
		if err != nil {
			d.log.Warn("Handler returned error",
				zap.String("requestType", req.Type),
				zap.Error(err))
			return OutcomeHandlerError
		}
		return OutcomeHandled
	}
}
