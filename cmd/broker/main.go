// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wavemq/broker/auth"
	"github.com/wavemq/broker/broker"
	"github.com/wavemq/broker/config"
	"github.com/wavemq/broker/persistence"
	"github.com/wavemq/broker/storage"
	"github.com/wavemq/broker/storage/badger"
	"github.com/wavemq/broker/storage/memory"
	"github.com/wavemq/broker/workerpool"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting broker",
		"storage", cfg.Storage.Type,
		"workers", cfg.Worker.Count,
		"persistence_enabled", cfg.Persistence.Enabled)

	store, closeStore, err := newStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	facade := newAuthFacade(cfg.Auth, logger)

	var persist *persistence.Layer
	if cfg.Persistence.Enabled {
		persist = persistence.New(cfg.Persistence.RetainedPath, cfg.Persistence.SessionsPath, logger)
	}

	b := broker.New(broker.Config{
		MaxInFlight:   cfg.Session.MaxInFlight,
		SessionExpiry: cfg.Session.ExpireSessionsAfter,
		ExpirySweep:   cfg.Session.ExpirySweepInterval,
		ReloadPeriod:  cfg.Auth.ReloadInterval,
	}, store, facade, persist, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}

	pool := workerpool.New(workerpool.Config{
		Count:                  cfg.Worker.Count,
		KeepAliveCheckInterval: cfg.Worker.KeepAliveCheckInterval,
	}, logger)

	var snapshotStop chan struct{}
	if persist != nil {
		snapshotStop = make(chan struct{})
		go periodicSnapshot(b, cfg.Persistence.SaveInterval, snapshotStop, logger)
	}

	logger.Info("broker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if snapshotStop != nil {
		close(snapshotStop)
	}
	pool.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := b.Stop(stopCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}

	logger.Info("broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newStore(cfg config.StorageConfig) (storage.Store, func(), error) {
	switch cfg.Type {
	case "badger":
		store, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store := memory.New()
		return store, func() {}, nil
	}
}

func newAuthFacade(cfg config.AuthConfig, logger *slog.Logger) *auth.Facade {
	credentials := auth.NewCredentialStore(cfg.PasswordFile, cfg.AllowAnonymous, logger)

	var opts []auth.FacadeOption
	if cfg.ProviderLoginURL != "" || cfg.ProviderACLURL != "" {
		provider := auth.NewHTTPProvider(auth.HTTPProviderConfig{
			LoginURL: cfg.ProviderLoginURL,
			ACLURL:   cfg.ProviderACLURL,
			Timeout:  cfg.ProviderTimeout,
		})
		opts = append(opts, auth.WithProvider(provider))
	}
	if cfg.SerializeInit {
		opts = append(opts, auth.WithSerializeInit(true))
	}
	if cfg.SerializeChecks {
		opts = append(opts, auth.WithSerializeChecks(true))
	}

	return auth.NewFacade(credentials, logger, opts...)
}

func periodicSnapshot(b *broker.Broker, interval time.Duration, stop chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.Snapshot(); err != nil {
				logger.Error("periodic snapshot failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}
