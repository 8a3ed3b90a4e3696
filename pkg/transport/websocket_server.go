package transport

import (
	"bytes"
	"context"
	goerrs "errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deejcoder/asyncit/internal"
	"github.com/deejcoder/asyncit/internal/metrics"
	"github.com/deejcoder/asyncit/pkg/dispatch"
	"github.com/deejcoder/asyncit/pkg/session"
	utils "github.com/deejcoder/asyncit/pkg/util"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// websocketServer feeds WebSocket clients into the same dispatch path as
// the TCP listener. One text message is one frame; a trailing CRLF is
// tolerated so that TCP-oriented clients can reuse their encoder.
type websocketServer struct {
	upgrader *websocket.Upgrader

	params WebsocketServerParams

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator

	dispatcher *dispatch.Dispatcher
	store      *internal.SessionStore

	ready chan struct{}

	mut_listener sync.Mutex
	listener     net.Listener
}

type WebsocketServerParams struct {
	ListenAddress  string
	ListenEndpoint string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxFrameSize int64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func checkOrigin(r *http.Request, params WebsocketServerParams) bool {
	origin := r.Header.Get("Origin")
	if slices.Contains(params.DenylistedHosts, origin) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return slices.Contains(params.AllowlistedHosts, origin)
}

func CreateWebsocketServer(dispatcher *dispatch.Dispatcher, store *internal.SessionStore, params WebsocketServerParams) (*websocketServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}

	return &websocketServer{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params: params,

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),

		dispatcher: dispatcher,
		store:      store,

		ready: make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (ws *websocketServer) Ready() <-chan struct{} {
	return ws.ready
}

func (ws *websocketServer) Addr() net.Addr {
	ws.mut_listener.Lock()
	defer ws.mut_listener.Unlock()
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// wsWriter adapts a WebSocket connection to the session's io.Writer
// contract. Each Write becomes one text message.
type wsWriter struct {
	mut  sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mut.Lock()
	defer w.mut.Unlock()

	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (ws *websocketServer) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(zap.String("wsConnTag", ws.stringGen.GetRandomString(6)))

	log.Info("New WebSocket request")
	c, upgradeErr := ws.upgrader.Upgrade(w, r, nil)
	if upgradeErr != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(upgradeErr))
		return
	}
	defer c.Close()

	if ws.params.MaxFrameSize > 0 {
		c.SetReadLimit(ws.params.MaxFrameSize)
	}

	sessionId := ws.store.GetNewSessionId()
	log = log.With(zap.Uint32("sessionId", sessionId))

	if err := ws.store.CreateSession(sessionId, "WebSocket", r.RemoteAddr, time.Now().UnixMicro()); err != nil {
		log.Warn("Rejecting incoming connection", zap.Error(err))
		return
	}
	defer ws.store.RemoveSession(sessionId)

	ws.params.Metrics.SessionOpened()
	defer ws.params.Metrics.SessionClosed()

	sess := session.CreateSession(session.SessionParams{
		Id:      sessionId,
		Tag:     ws.stringGen.GetRandomString(6),
		Writer:  &wsWriter{conn: c},
		Logger:  ws.log,
		Metrics: ws.params.Metrics,
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
			c.Close()
		case <-connDone:
		}
	}()

	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for sess.MarkReading() {
		msgType, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				log.Info("Client closed WebSocket connection")
				return
			}
			if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) {
				sess.DetachWriter()
				log.Warn("Unexpected WebSocket close", zap.Error(msgErr))
				return
			}
			if strings.Contains(msgErr.Error(), "use of closed network connection") {
				log.Info("Closing connection, probably from server-initiated 'close' call")
				return
			}

			sess.DetachWriter()
			log.Info("There was a connection error. The client has been dropped.", zap.Error(msgErr))
			return
		}

		if ctx.Err() != nil {
			return
		}

		if msgType != websocket.TextMessage {
			log.Info("Received non-text message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		frame := bytes.TrimSuffix(payload, []byte("\r\n"))

		ws.params.Metrics.ObserveFrame()
		ws.store.SetRecvTimestamp(sessionId, time.Now().UnixMicro())

		sess.MarkDispatching()
		outcome := ws.dispatcher.DispatchFrame(ctx, sess, frame)
		log.Debug("Dispatched frame", zap.String("outcome", outcome.String()))
	}
}

// Start binds the HTTP listener and serves WebSocket upgrades on the
// configured endpoint until ctx is cancelled.
func (ws *websocketServer) Start(ctx context.Context) error {
	listener, listenErr := net.Listen("tcp", ws.params.ListenAddress)
	if listenErr != nil {
		return listenErr
	}

	ws.mut_listener.Lock()
	ws.listener = listener
	ws.mut_listener.Unlock()
	close(ws.ready)

	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})

	server := &http.Server{
		Handler: mux,
	}

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Info("Starting WebSocket server", zap.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); !goerrs.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()

		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()

	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return nil
}
