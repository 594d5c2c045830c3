package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/inferloop/dptrain/cmd/cli/config"
	"github.com/inferloop/dptrain/internal/server"
	"github.com/inferloop/dptrain/pkg/constants"
)

func main() {
	opts, err := ParseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.Version {
		printVersion()
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *Options) error {
	cfg, err := config.LoadConfig(opts.ConfigFile, opts.Flags)
	if err != nil {
		return err
	}
	cfg.Server.Version = Version

	logger, err := cfg.Logging.NewLogger(false)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"version":   Version,
		"commit":    GitCommit,
		"buildDate": BuildDate,
	}).Info("Starting differentially private training server")

	srv, err := server.NewServer(&cfg.Server, logger)
	if err != nil {
		return err
	}

	// Version endpoint
	srv.GetRouter().HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", constants.ContentTypeJSON)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(GetBuildInfo())
	}).Methods(http.MethodGet)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	// Graceful shutdown
	if err := srv.Stop(context.Background()); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-errCh

	logger.Info("Server stopped")
	return nil
}
