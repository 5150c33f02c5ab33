package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/paintsync/internal/config"
	"github.com/zeusync/paintsync/internal/core/observability/log"
	"github.com/zeusync/paintsync/internal/injector"
	"github.com/zeusync/paintsync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(2)
	}

	srv, err := injector.InitializeServer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error creating server:", err)
		os.Exit(1)
	}

	logger := log.Provide()
	code := run(srv, logger)
	_ = logger.Sync()
	os.Exit(code)
}

func run(srv *server.Server, logger log.Log) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("Error starting server", log.Error(err))
		return 1
	}

	// the server stops on its own when the store fails
	failed := make(chan error, 1)
	go func() { failed <- srv.Wait() }()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err := <-failed:
		if err != nil {
			logger.Error("Server failed", log.Error(err))
			code = 1
		}
	}

	if err := srv.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Error stopping server", log.Error(err))
		code = 1
	}
	return code
}
