// quill - A web chat client with streaming Markdown, math and diagrams.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/quill/internal/api"
	"github.com/jeranaias/quill/internal/config"
	"github.com/jeranaias/quill/internal/history"
	"github.com/jeranaias/quill/internal/markdown"
	"github.com/jeranaias/quill/internal/server"
	"github.com/jeranaias/quill/internal/session"
	"github.com/jeranaias/quill/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const evictInterval = time.Hour

func main() {
	var (
		configPath  = flag.String("config", config.DefaultPath(), "path to config file")
		addr        = flag.String("addr", "", "listen address override")
		debug       = flag.Bool("debug", false, "enable debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("quill %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	logger := newLogger(*debug)
	defer logger.Sync()

	if err := run(*configPath, *addr, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			os.Exit(1)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func run(configPath, addrOverride string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage backend
	backend, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}

	st := store.New(backend, logger)
	st.Retention = cfg.Retention()
	if err := st.Load(ctx); err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	// Upstream client
	client := api.NewClient(api.Config{
		BaseURL:    cfg.API.BaseURL,
		APIKey:     cfg.API.Key,
		ChatModel:  cfg.API.ChatModel,
		ImageModel: cfg.API.ImageModel,
	})
	if !client.IsConfigured() {
		logger.Warn("no API key configured, generation requests will fail",
			zap.String("config", configPath))
	}
	st.TitleFn = client.GenerateTitle

	renderer := markdown.NewRenderer(markdown.Options{
		HighlightStyle: cfg.Render.HighlightStyle,
	})

	sess := session.New(client, client, st, logger)
	hist := history.New(st, sess, logger)

	srv := server.New(server.Options{
		Store:         st,
		Session:       sess,
		History:       hist,
		Renderer:      renderer,
		Logger:        logger,
		ImageCacheDir: cfg.Server.ImageCacheDir,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	})

	// Hourly retention sweep
	go func() {
		ticker := time.NewTicker(evictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.EvictExpired(ctx); err != nil {
					logger.Warn("retention sweep failed", zap.Error(err))
				}
			}
		}
	}()

	// Config watcher: retention can be applied live, the rest needs a
	// restart.
	go func() {
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			st.SetRetention(next.Retention())
			logger.Info("retention updated",
				zap.Duration("retention", next.Retention()))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("version", Version))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	// Stop any in-flight generation so its partial result is committed
	// before the store flushes.
	sess.Interrupt()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}

	// Let background title generation finish writing.
	st.Wait()
	return nil
}

// newBackend builds the persistence backend named by the config.
func newBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return store.NewSQLiteBackend(filepath.Join(cfg.Storage.Dir, "quill.db"), cfg.Storage.MaxBytes)
	default:
		return store.NewFileBackend(cfg.Storage.Dir, cfg.Storage.MaxBytes)
	}
}
