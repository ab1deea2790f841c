// Command gateway runs the poker WebSocket gateway: it upgrades player
// connections, multiplexes them across game/lobby/chat/spectator/admin
// channels, and forwards to the chat moderation, game engine, persistence,
// and audit NATS services.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/poker-ws-gateway/internal/adapters"
	"github.com/adred-codev/poker-ws-gateway/internal/auth"
	"github.com/adred-codev/poker-ws-gateway/internal/config"
	"github.com/adred-codev/poker-ws-gateway/internal/gateway"
	"github.com/adred-codev/poker-ws-gateway/internal/logging"
	"github.com/adred-codev/poker-ws-gateway/internal/monitoring"
)

func main() {
	bootLogger := logging.Init(logging.Config{Level: "info", Format: "json"})

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("runtime initialized")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.Print()
	cfg.LogConfig(logger)

	metrics := monitoring.New()

	natsConn, err := adapters.Connect(adapters.NATSConfig{
		URL:           cfg.NATSURL,
		MaxReconnects: cfg.NATSMaxReconnects,
		ReconnectWait: cfg.NATSReconnectWait,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsConn.Close()

	ad := gateway.Adapters{
		Chat:        adapters.NewNATSChatModerator(natsConn, cfg.NATSRequestTimeout),
		Game:        adapters.NewNATSGameEngine(natsConn, cfg.NATSRequestTimeout),
		Persistence: adapters.NewNATSPersistence(natsConn, cfg.NATSRequestTimeout),
		Audit:       adapters.NewNATSAuditSink(natsConn),
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	gw := gateway.New(cfg, logger, metrics, verifier, ad)

	stop := make(chan struct{})
	gw.StartBackgroundTasks(stop)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeHTTP)
	mux.HandleFunc("/ws/reconnect", gw.ServeReconnect)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down gateway")
	close(stop)
	gw.BeginShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during gateway shutdown")
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during metrics shutdown")
	}
}
