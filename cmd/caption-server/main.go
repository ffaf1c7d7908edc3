package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	caption "github.com/jamesainslie/go-caption"
	"github.com/jamesainslie/go-caption/internal/config"
	"github.com/jamesainslie/go-caption/internal/server"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		addr       = flag.String("addr", "", "Listen address (overrides server.host and server.port)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
	)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("caption-server %s (%s, %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	listen := cfg.Addr()
	if *addr != "" {
		listen = *addr
	}

	// The server still starts when models fail to load and reports itself degraded.
	var captioner server.Captioner
	opts := append(cfg.CaptionOptions(), caption.WithLogger(logger))
	c, err := caption.New(cfg.Models.Encoder, cfg.Models.Decoder, cfg.Models.Vocabulary, opts...)
	if err != nil {
		logger.Error("loading models failed, serving degraded", "error", err)
	} else {
		captioner = c
		defer func() { _ = c.Close() }()
	}

	srv := server.New(captioner, server.Options{
		MaxUploadBytes: cfg.MaxUploadBytes(),
		AllowedTypes:   cfg.Server.AllowedTypes,
		MaxInFlight:    int64(cfg.Server.MaxInFlight),
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("caption server listening", "addr", listen, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", slog.Any("error", err))
		return err
	}
	return nil
}
