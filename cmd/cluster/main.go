package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mhalloran/gridgame/internal/cluster"
	"github.com/mhalloran/gridgame/internal/config"
	"github.com/mhalloran/gridgame/internal/observability"
	"github.com/mhalloran/gridgame/internal/server"
	"github.com/mhalloran/gridgame/internal/utils"
)

func main() {
	cfg := config.Load()

	port := flag.Int("port", cfg.Port, "listen port; 0 picks an ephemeral one")
	gui := flag.Bool("gui", false, "print a periodic stats line")
	logFile := flag.String("log_file", cfg.LogFile, "also write logs to this file")
	useUDP := flag.Bool("use_udp", cfg.UseUDP, "broadcast room snapshots over UDP")
	logLevel := flag.String("logging_level", cfg.LogLevel, "slog level: debug, info, warn, error")
	verbose := flag.Bool("verbose", false, "enable logging output")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: cluster [flags] project_name")
		os.Exit(2)
	}
	projectName := flag.Arg(0)

	logger := newLogger(*verbose, *logLevel, *logFile)

	otelCleanup, err := observability.InitOpenTelemetry("gridgame-cluster", "1.0.0")
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize OpenTelemetry: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := server.AdvertiseHost()
	cl := cluster.New(ctx, cluster.Config{
		Host:        host,
		ProjectName: projectName,
		Owner:       cfg.Owner,
		UseUDP:      *useUDP,
		LogLevel:    *logLevel,
		LogDir:      cfg.RoomLogDirectory,
		Logger:      logger,
	})

	srv, err := server.New(cl, server.Config{
		Port:              *port,
		Nameserver:        cfg.CatalogAddress,
		ProjectName:       projectName,
		Owner:             cfg.Owner,
		ServerType:        "game_server",
		BroadcastInterval: time.Duration(cfg.CatalogInterval) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.ShutdownTimeout) * time.Second,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to bind cluster listener: %v", err)
	}
	cl.SetAddress(host, srv.Port())

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error(ctx, "metrics server error: %v", err)
			}
		}()
	}

	if *gui {
		go printStats(ctx, srv)
	}

	logger.Info(ctx, "Starting cluster %s on %s:%d", projectName, host, srv.Port())
	result := srv.Run(ctx)
	logger.Info(ctx, "Cluster stopped: %v", result)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := otelCleanup(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "OpenTelemetry shutdown error: %v", err)
	}
}

func newLogger(verbose bool, level, logFile string) *utils.Logger {
	if !verbose && logFile == "" {
		return utils.NewDiscardLogger()
	}
	if logFile != "" {
		logger, err := utils.NewFileLogger(level, filepath.Clean(logFile))
		if err == nil {
			return logger
		}
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
	}
	return utils.NewLogger(level)
}

func printStats(ctx context.Context, srv *server.Server) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := srv.Stats()
			fmt.Printf("connected sockets: %d  commands: %d  errors: %d\n",
				stats["connections"], stats["commands"], stats["errors"])
		}
	}
}
