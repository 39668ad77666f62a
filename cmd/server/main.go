package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"authdesk/internal/api"
	"authdesk/internal/audit"
	"authdesk/internal/config"
	"authdesk/internal/docstore"
	"authdesk/internal/logging"
	"authdesk/internal/maintenance"
	"authdesk/internal/metrics"
	"authdesk/internal/notify"
	"authdesk/internal/service"
	"authdesk/internal/tokens"
	"authdesk/internal/vault"
	"authdesk/internal/verification"
	"authdesk/internal/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "authdesk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)
	info := version.Current()
	logger.Info("starting", "version", info.Version, "commit", info.Commit, "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := docstore.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}

	v := vault.New(st, vault.Options{
		PasswordMinLength: cfg.PasswordMinLength,
		PasswordMaxLength: cfg.PasswordMaxLength,
		AdminUsername:     cfg.BootstrapAdminUsername,
		AdminPassword:     cfg.BootstrapAdminPassword,
		Logger:            logger,
	})
	created, err := v.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created && cfg.UsesDefaultAdminPassword() {
		logger.Warn("administrator created with the default password; change it immediately", "username", cfg.BootstrapAdminUsername)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}
	svc := service.New(service.Deps{
		Store:  st,
		Vault:  v,
		Tokens: tokens.New(st, v, tokens.Options{DefaultTTL: cfg.TokenTTL, Logger: logger}),
		Verification: verification.New(st, verification.Options{
			CodeTTL:     cfg.VerificationCodeTTL,
			ShareTTL:    cfg.ShareRequestTTL,
			MaxAttempts: cfg.VerificationMaxAttempts,
			Logger:      logger,
		}),
		Audit: audit.New(st, audit.Options{
			DefaultLimit: cfg.AuditDefaultLimit,
			MaxLimit:     cfg.AuditMaxLimit,
			Logger:       logger,
		}),
		Sender:      notify.NewSender(cfg, logger),
		Metrics:     m,
		Logger:      logger,
		TokenTTL:    cfg.TokenTTL,
		ExposeCodes: cfg.ExposeVerificationCodes && cfg.VerificationSender == "log",
	})

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, logger, m),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return hsrv.Shutdown(shutdownCtx)
	})
	if cfg.MaintenanceEnabled {
		g.Go(func() error {
			return maintenance.Run(gctx, svc, cfg.MaintenanceInterval, logger)
		})
	}
	return g.Wait()
}
