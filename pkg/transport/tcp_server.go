// Package transport hosts the listeners that feed client connections
// into the dispatch core.
package transport

import (
	"bufio"
	"context"
	goerrs "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deejcoder/asyncit/internal"
	"github.com/deejcoder/asyncit/internal/metrics"
	"github.com/deejcoder/asyncit/pkg/dispatch"
	"github.com/deejcoder/asyncit/pkg/errors"
	"github.com/deejcoder/asyncit/pkg/session"
	utils "github.com/deejcoder/asyncit/pkg/util"
	"github.com/deejcoder/asyncit/pkg/wire"
	"go.uber.org/zap"
)

const DefaultTcpListenAddress = "127.0.0.1:8900"

type tcpServer struct {
	params TcpServerParams

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	dispatcher *dispatch.Dispatcher
	store      *internal.SessionStore

	alive atomic.Bool

	ready chan struct{}
	done  chan struct{}

	mut_listener sync.Mutex
	listener     net.Listener
}

type TcpServerParams struct {
	// ListenAddress defaults to DefaultTcpListenAddress. The server is
	// meant to bind loopback only; the terminate request is reachable by
	// any client that can connect.
	ListenAddress string

	MaxFrameSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func CreateTcpServer(dispatcher *dispatch.Dispatcher, store *internal.SessionStore, params TcpServerParams) (*tcpServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenAddress == "" {
		params.ListenAddress = DefaultTcpListenAddress
	}
	if params.MaxFrameSize <= 0 {
		params.MaxFrameSize = wire.DefaultMaxFrameSize
	}

	return &tcpServer{
		params: params,

		log:       logger.With(zap.String("handler", "Tcp")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),

		dispatcher: dispatcher,
		store:      store,

		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (t *tcpServer) Ready() <-chan struct{} {
	return t.ready
}

// Addr returns the bound address, or nil before Ready.
func (t *tcpServer) Addr() net.Addr {
	t.mut_listener.Lock()
	defer t.mut_listener.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop clears the liveness flag and halts acceptance of new
// connections. Idempotent.
func (t *tcpServer) Stop() {
	if !t.alive.CompareAndSwap(true, false) {
		return
	}

	t.mut_listener.Lock()
	defer t.mut_listener.Unlock()
	if t.listener != nil {
		t.listener.Close()
	}
}

// Start binds the listener and runs the accept loop until ctx is
// cancelled or Stop is called. One goroutine per accepted connection;
// frames on a single connection are always dispatched sequentially in
// arrival order.
func (t *tcpServer) Start(ctx context.Context) error {
	listener, listenErr := net.Listen("tcp", t.params.ListenAddress)
	if listenErr != nil {
		return listenErr
	}

	t.mut_listener.Lock()
	t.listener = listener
	t.mut_listener.Unlock()

	t.alive.Store(true)
	close(t.ready)
	t.log.Info("Server has been started", zap.String("addr", listener.Addr().String()))

	wg := sync.WaitGroup{}

	//
	// Listener closing goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.done:
		}
	}()

	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if goerrs.Is(acceptErr, net.ErrClosed) {
				t.log.Info("TCP listener closed - exiting accept loop")
				break
			}
			t.log.Error("Error accepting connection, closing!", zap.Error(acceptErr))
			t.Stop()
			break
		}

		if !t.alive.Load() {
			conn.Close()
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.handleConnection(ctx, conn)
		}()
	}

	close(t.done)
	wg.Wait()

	t.log.Info("All TCP server goroutines finished. Exiting gracefully!")
	return nil
}

func (t *tcpServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sessionId := t.store.GetNewSessionId()
	log := t.log.With(
		zap.Uint32("sessionId", sessionId),
		zap.String("remoteAddr", conn.RemoteAddr().String()),
	)

	if err := t.store.CreateSession(sessionId, "Tcp", conn.RemoteAddr().String(), time.Now().UnixMicro()); err != nil {
		log.Warn("Rejecting incoming connection", zap.Error(err))
		return
	}
	defer t.store.RemoveSession(sessionId)

	t.params.Metrics.SessionOpened()
	defer t.params.Metrics.SessionClosed()

	log.Info("Incoming client connection", zap.Int("activeSessions", t.store.ActiveCount()))

	sess := session.CreateSession(session.SessionParams{
		Id:      sessionId,
		Tag:     t.stringGen.GetRandomString(6),
		Writer:  conn,
		Logger:  t.log,
		Metrics: t.params.Metrics,
	})
	defer sess.Close()

	//
	// Connection closing goroutine
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			sess.DetachWriter()
			conn.Close()
		case <-connDone:
		}
	}()

	scanner := wire.NewFrameScanner(conn, t.params.MaxFrameSize)
	for sess.MarkReading() && scanner.Scan() {
		if !t.alive.Load() || ctx.Err() != nil {
			return
		}

		t.params.Metrics.ObserveFrame()
		t.store.SetRecvTimestamp(sessionId, time.Now().UnixMicro())

		sess.MarkDispatching()
		outcome := t.dispatcher.DispatchFrame(ctx, sess, scanner.Bytes())
		log.Debug("Dispatched frame", zap.String("outcome", outcome.String()))
	}

	if scanErr := scanner.Err(); scanErr != nil {
		sess.DetachWriter()

		var partial *errors.PartialFrame
		switch {
		case goerrs.As(scanErr, &partial):
			log.Info("Client closed connection mid-frame", zap.Int("buffered", partial.Buffered))
		case goerrs.Is(scanErr, bufio.ErrTooLong):
			log.Warn("Dropping client", zap.Error(&errors.FrameTooLarge{Limit: t.params.MaxFrameSize}))
		default:
			log.Info("There was a connection error. The client has been dropped.", zap.Error(scanErr))
		}
		return
	}

	log.Info("Client disconnected")
}
