package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/deejcoder/asyncit/internal"
	"github.com/deejcoder/asyncit/pkg/dispatch"
	"github.com/deejcoder/asyncit/pkg/session"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T, handlers map[string]dispatch.Handler, timeout time.Duration, onTerminate func()) *dispatch.Dispatcher {
	t.Helper()

	registry := dispatch.CreateRegistry()
	for name, handler := range handlers {
		require.NoError(t, registry.Register(name, handler))
	}
	registry.Freeze()

	return dispatch.CreateDispatcher(registry, dispatch.DispatcherParams{
		Timeout:     timeout,
		Logger:      zap.NewNop(),
		OnTerminate: onTerminate,
	})
}

func pingHandler(ctx context.Context, sess *session.Session, req *dispatch.Request) error {
	sess.Write("pong\r\n")
	return nil
}

func startTestTcpServer(t *testing.T, ctx context.Context, dispatcher *dispatch.Dispatcher, store *internal.SessionStore) (*tcpServer, chan struct{}) {
	t.Helper()

	srv, err := CreateTcpServer(dispatcher, store, TcpServerParams{
		ListenAddress: "127.0.0.1:0",
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		srv.Start(ctx)
	}()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("TCP server did not bind in time")
	}

	return srv, serverDone
}

func readReply(t *testing.T, conn net.Conn, n int) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply := make([]byte, n)
	_, err := io.ReadFull(conn, reply)
	require.NoError(t, err)
	return string(reply)
}

func TestTcpServerDispatchesInArrivalOrder(t *testing.T) {
	var mut sync.Mutex
	var notes []string

	dispatcher := newTestDispatcher(t, map[string]dispatch.Handler{
		"ping": pingHandler,
		"note": func(ctx context.Context, sess *session.Session, req *dispatch.Request) error {
			value, _ := req.StringField("value")
			mut.Lock()
			notes = append(notes, value)
			mut.Unlock()
			return nil
		},
	}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, serverDone := startTestTcpServer(t, ctx, dispatcher, internal.CreateSessionStore(4))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload := `{"type":"note","value":"first"}` + "\r\n" +
		`{"type":"note","value":"second"}` + "\r\n" +
		`{"type":"ping"}` + "\r\n"
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	require.Equal(t, "pong\r\n", readReply(t, conn, 6))

	mut.Lock()
	require.Equal(t, []string{"first", "second"}, notes)
	mut.Unlock()

	cancel()
	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("TCP server did not shut down in time")
	}
}

func TestMalformedFrameDoesNotBreakTheSession(t *testing.T) {
	dispatcher := newTestDispatcher(t, map[string]dispatch.Handler{"ping": pingHandler}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, _ := startTestTcpServer(t, ctx, dispatcher, internal.CreateSessionStore(4))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\r\n" + `{"type":"ping"}` + "\r\n"))
	require.NoError(t, err)

	require.Equal(t, "pong\r\n", readReply(t, conn, 6))
}

func TestSlowHandlerIsAbandonedAtTimeout(t *testing.T) {
	dispatcher := newTestDispatcher(t, map[string]dispatch.Handler{
		"ping": pingHandler,
		"hang": func(ctx context.Context, sess *session.Session, req *dispatch.Request) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, 100*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, _ := startTestTcpServer(t, ctx, dispatcher, internal.CreateSessionStore(4))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"hang"}` + "\r\n" + `{"type":"ping"}` + "\r\n"))
	require.NoError(t, err)

	// The hanging handler is cancelled at the deadline and the next frame
	// is processed normally.
	require.Equal(t, "pong\r\n", readReply(t, conn, 6))
}

func TestTerminateStopsTheWholeServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := newTestDispatcher(t, map[string]dispatch.Handler{"ping": pingHandler}, time.Second, cancel)

	srv, serverDone := startTestTcpServer(t, ctx, dispatcher, internal.CreateSessionStore(4))
	addr := srv.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"terminate"}` + "\r\n"))
	require.NoError(t, err)

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("terminate did not stop the server")
	}

	// No new connections are accepted once the server is down.
	late, dialErr := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if dialErr == nil {
		late.Close()
		t.Fatal("expected connections to be refused after terminate")
	}
}

func TestConnectionCapRejectsExtraClients(t *testing.T) {
	dispatcher := newTestDispatcher(t, map[string]dispatch.Handler{"ping": pingHandler}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := internal.CreateSessionStore(1)
	srv, _ := startTestTcpServer(t, ctx, dispatcher, store)

	first, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	_, err = first.Write([]byte(`{"type":"ping"}` + "\r\n"))
	require.NoError(t, err)
	require.Equal(t, "pong\r\n", readReply(t, first, 6))

	// The second client is dropped without any dispatch.
	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, readErr := second.Read(make([]byte, 1))
	require.ErrorIs(t, readErr, io.EOF)

	// Capacity frees up once the first client disconnects.
	first.Close()
	require.Eventually(t, func() bool {
		return store.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPartialFrameTearsDownOnlyThatSession(t *testing.T) {
	dispatcher := newTestDispatcher(t, map[string]dispatch.Handler{"ping": pingHandler}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := internal.CreateSessionStore(4)
	srv, _ := startTestTcpServer(t, ctx, dispatcher, store)

	healthy, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer healthy.Close()

	broken, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = broken.Write([]byte(`{"type":"ping"`)) // no delimiter
	require.NoError(t, err)
	broken.Close()

	require.Eventually(t, func() bool {
		return store.ActiveCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The surviving session still dispatches.
	_, err = healthy.Write([]byte(`{"type":"ping"}` + "\r\n"))
	require.NoError(t, err)
	require.Equal(t, "pong\r\n", readReply(t, healthy, 6))
}
