// Standalone room server. Rooms are normally spawned by the cluster; this
// entrypoint exists for testing one room in isolation, registered directly
// with the catalog.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mhalloran/gridgame/internal/config"
	"github.com/mhalloran/gridgame/internal/engine"
	"github.com/mhalloran/gridgame/internal/observability"
	"github.com/mhalloran/gridgame/internal/server"
	"github.com/mhalloran/gridgame/internal/utils"
)

func main() {
	cfg := config.Load()

	port := flag.Int("port", cfg.Port, "listen port; 0 picks an ephemeral one")
	gui := flag.Bool("gui", false, "print a periodic stats line")
	logFile := flag.String("log_file", cfg.LogFile, "also write logs to this file")
	quiet := flag.Bool("quiet", false, "disable logging output")
	logLevel := flag.String("logging_level", cfg.LogLevel, "slog level: debug, info, warn, error")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: room [flags] project_name")
		os.Exit(2)
	}
	projectName := flag.Arg(0)

	var logger *utils.Logger
	switch {
	case *quiet:
		logger = utils.NewDiscardLogger()
	case *logFile != "":
		var err error
		logger, err = utils.NewFileLogger(*logLevel, *logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			logger = utils.NewLogger(*logLevel)
		}
	default:
		logger = utils.NewLogger(*logLevel)
	}

	otelCleanup, err := observability.InitOpenTelemetry("gridgame-room", "1.0.0")
	if err != nil {
		logger.Fatal(context.Background(), "Failed to initialize OpenTelemetry: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(engine.NewGame(logger, nil), server.Config{
		Port:              *port,
		LogPath:           "game.log",
		CkptPath:          "game.ckpt",
		Nameserver:        cfg.CatalogAddress,
		ProjectName:       projectName,
		Owner:             cfg.Owner,
		ServerType:        "game_server",
		BroadcastInterval: time.Duration(cfg.CatalogInterval) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.ShutdownTimeout) * time.Second,
		UseUDP:            cfg.UseUDP,
		IdleShutdown:      true,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to bind room listener: %v", err)
	}

	if *gui {
		go func() {
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
		}()
	}

	logger.Info(ctx, "Starting room server %s on port %d", projectName, srv.Port())
	result := srv.Run(ctx)
	logger.Info(ctx, "Room server stopped: %v", result)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := otelCleanup(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "OpenTelemetry shutdown error: %v", err)
	}
}
