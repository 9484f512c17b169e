package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/andy6609/chatd/internal/chat"
	"github.com/andy6609/chatd/internal/config"
	"github.com/andy6609/chatd/internal/tcp"
	"github.com/andy6609/chatd/internal/udp"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, config.Usage())
		os.Exit(2)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	auth := chat.NewAuth(logger)
	rooms := chat.NewRooms(logger)
	ops := map[string]gfshutdown.Operation{}

	if cfg.Enabled("tcp") {
		srv := tcp.NewServer(tcp.Config{
			Addr:         cfg.Addr(),
			MaxFrame:     cfg.MaxFrame,
			OutboxSize:   cfg.OutboxSize,
			AcceptRate:   cfg.AcceptRate,
			SessionRate:  cfg.SessionRate,
			SessionBurst: cfg.SessionBurst,
		}, auth, rooms, logger)
		if err := srv.Start(); err != nil {
			logger.Error("failed to start server", "transport", "tcp", "error", err)
			os.Exit(1)
		}
		ops["tcp"] = srv.Shutdown
	}

	if cfg.Enabled("udp") {
		srv := udp.NewServer(udp.Config{
			Addr:               cfg.Addr(),
			Timeout:            cfg.Timeout(),
			MaxRetransmissions: cfg.Retransmissions,
			HistorySize:        cfg.HistorySize,
			OutboxSize:         cfg.OutboxSize,
			AdmitRate:          cfg.AdmitRate,
			AdmitBurst:         cfg.AdmitBurst,
			SessionRate:        cfg.SessionRate,
			SessionBurst:       cfg.SessionBurst,
		}, auth, rooms, logger)
		if err := srv.Start(); err != nil {
			logger.Error("failed to start server", "transport", "udp", "error", err)
			os.Exit(1)
		}
		ops["udp"] = srv.Shutdown
	}

	if cfg.MetricsAddr != "" {
		ms := metricsServer(cfg.MetricsAddr, logger)
		ops["metrics"] = ms.Shutdown
	}

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, ops)
	code := <-wait
	logger.Info("exited", "code", code)
	os.Exit(code)
}

func metricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
