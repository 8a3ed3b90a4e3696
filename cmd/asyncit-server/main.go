// Main package for the asyncit server: a line-delimited JSON request
// dispatcher over a loopback socket.
package main

import (
	"context"
	goerrs "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/deejcoder/asyncit/internal"
	"github.com/deejcoder/asyncit/internal/metrics"
	"github.com/deejcoder/asyncit/pkg/config"
	"github.com/deejcoder/asyncit/pkg/dispatch"
	"github.com/deejcoder/asyncit/pkg/session"
	"github.com/deejcoder/asyncit/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	port := flag.Int("port", 0, "Port for the TCP listener (overrides config)")
	timeoutSeconds := flag.Float64("timeout", 0, "Per-request handler timeout in seconds (overrides config)")
	debugMode := flag.Bool("debug", false, "Re-raise handler panics instead of swallowing them")
	useWebsockets := flag.Bool("websockets", false, "Also listen for WebSocket clients")
	useMetrics := flag.Bool("metrics", false, "Expose Prometheus metrics over HTTP")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, loadErr := config.Load(*configPath)
		if loadErr != nil {
			logger.Error("Failed to load configuration", zap.Error(loadErr))
			return
		}
		cfg = loaded
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *timeoutSeconds > 0 {
		cfg.Dispatch.TimeoutSeconds = *timeoutSeconds
	}
	if *debugMode {
		cfg.Dispatch.Debug = true
	}
	if *useWebsockets {
		cfg.Websocket.Enabled = true
	}
	if *useMetrics {
		cfg.Metrics.Enabled = true
	}

	//
	// Handler registry. Handlers are external collaborators; the built-in
	// set exists so the server does something useful out of the box.
	registry := dispatch.CreateRegistry()
	if err := registerBuiltinHandlers(registry); err != nil {
		logger.Error("Failed to register request handlers", zap.Error(err))
		return
	}
	logger.Info("The following request callbacks have been initialized", zap.Strings("types", registry.TypeNames()))
	registry.Freeze()

	var m *metrics.Metrics
	shutdownCtx, shutdownRelease := context.WithCancel(context.Background())
	defer shutdownRelease()

	wg := sync.WaitGroup{}

	if cfg.Metrics.Enabled {
		m = metrics.CreateMetrics(prometheus.DefaultRegisterer)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting metrics server", zap.String("addr", cfg.Metrics.ListenAddress))
			if err := metricsServer.ListenAndServe(); !goerrs.Is(err, http.ErrServerClosed) {
				logger.Error("Unexpected metrics server close!", zap.Error(err))
			}
		}()
		go func() {
			<-shutdownCtx.Done()
			closeCtx, closeRelease := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeRelease()
			metricsServer.Shutdown(closeCtx)
		}()
	}

	// Any connected client can send {"type":"terminate"} and halt the
	// whole process. Deliberate, and unauthenticated.
	dispatcher := dispatch.CreateDispatcher(registry, dispatch.DispatcherParams{
		Timeout:     cfg.Timeout(),
		DebugMode:   cfg.Dispatch.Debug,
		Logger:      logger,
		Metrics:     m,
		OnTerminate: shutdownRelease,
	})

	store := internal.CreateSessionStore(cfg.Server.MaxConnections)

	tcpServer, tcpServerErr := transport.CreateTcpServer(dispatcher, store, transport.TcpServerParams{
		ListenAddress: fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		MaxFrameSize:  cfg.Server.MaxFrameSize,
		Logger:        logger,
		Metrics:       m,
	})
	if tcpServerErr != nil {
		logger.Error("Failed to create TCP server", zap.Error(tcpServerErr))
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpServer.Start(shutdownCtx); err != nil {
			logger.Error("TCP server failed", zap.Error(err))
			shutdownRelease()
		}
	}()

	if cfg.Websocket.Enabled {
		wsServer, wsServerErr := transport.CreateWebsocketServer(dispatcher, store, transport.WebsocketServerParams{
			ListenAddress:  cfg.Websocket.ListenAddress,
			ListenEndpoint: cfg.Websocket.Endpoint,
			AllowAllHosts:  true,
			MaxFrameSize:   int64(cfg.Server.MaxFrameSize),
			Logger:         logger,
			Metrics:        m,
		})
		if wsServerErr != nil {
			logger.Error("Failed to create WebSocket server", zap.Error(wsServerErr))
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Start(shutdownCtx); err != nil {
				logger.Error("WebSocket server failed", zap.Error(err))
				shutdownRelease()
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		shutdownRelease()
	}()

	wg.Wait()
	logger.Info("Server has been stopped by request.")
}

func registerBuiltinHandlers(registry *dispatch.Registry) error {
	if err := registry.Register("ping", func(ctx context.Context, sess *session.Session, req *dispatch.Request) error {
		sess.Write("pong\r\n")
		return nil
	}); err != nil {
		return err
	}

	return registry.Register("echo", func(ctx context.Context, sess *session.Session, req *dispatch.Request) error {
		message, has := req.StringField("message")
		if !has {
			return nil
		}
		sess.Write(message + "\r\n")
		return nil
	})
}
