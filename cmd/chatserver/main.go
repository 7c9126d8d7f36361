package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/config"
	"github.com/lattice-chat/server/internal/dispatcher"
	"github.com/lattice-chat/server/internal/health"
	"github.com/lattice-chat/server/internal/logging"
	"github.com/lattice-chat/server/internal/middleware"
	"github.com/lattice-chat/server/internal/remotestore"
	"github.com/lattice-chat/server/internal/room"
	"github.com/lattice-chat/server/internal/transport/tcpadapter"
	"github.com/lattice-chat/server/internal/transport/wsadapter"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// No .env file is the common case in production; ignore silently.
		_ = err
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		println("configuration error: " + err.Error())
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Development()); err != nil {
		println("logger initialization failed: " + err.Error())
		os.Exit(1)
	}
	ctx := context.Background()

	var mirror room.Mirror
	var pinger health.Pinger
	if cfg.RedisEnabled {
		m, err := remotestore.New(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to remote store", zap.Error(err))
		}
		defer m.Close()
		mirror = m
		pinger = m
	}

	rooms := room.NewStore(cfg.RequirePrivateRoomPassword, mirror)
	d := dispatcher.New(rooms, dispatcher.Config{
		IdleTimeout: time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		MaxHistory:  cfg.MaxChatHistory,
	})
	d.StartSweeper()
	defer d.StopSweeper()

	tcpListener := tcpadapter.New(d)
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logging.Fatal(ctx, "failed to bind tcp listener", zap.String("port", cfg.Port), zap.Error(err))
	}
	go func() {
		logging.Info(ctx, "tcp frame listener starting", zap.String("port", cfg.Port))
		if err := tcpListener.Serve(ln); err != nil {
			logging.Warn(ctx, "tcp listener stopped", zap.Error(err))
		}
	}()

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	ws := wsadapter.New(d)
	router.GET("/ws", ws.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(pinger)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	httpPort := getEnvOrDefault("HTTP_PORT", "8080")
	srv := &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "http server starting", zap.String("port", httpPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(ctx, "http server forced shutdown", zap.Error(err))
	}
	ln.Close()
	logging.Info(ctx, "server exiting")
}

func getEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}
