package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.io/infrasutra/inboxsync/internal/api"
	"github.io/infrasutra/inboxsync/internal/auth"
	"github.io/infrasutra/inboxsync/internal/config"
	"github.io/infrasutra/inboxsync/internal/mailbox"
	"github.io/infrasutra/inboxsync/internal/notify"
	"github.io/infrasutra/inboxsync/internal/sse"
	"github.io/infrasutra/inboxsync/internal/store"
	"github.io/infrasutra/inboxsync/internal/syncer"
	"github.io/infrasutra/inboxsync/internal/tasks"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Error("open database", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}
	if cfg.DBDriver == "sqlite" && cfg.DBDSN == "" {
		logger.Warn("DB_DSN not set; messages are kept in memory only")
	}

	authManager, err := auth.New(cfg.AuthSecret, 30*24*time.Hour)
	if err != nil {
		logger.Error("init auth", "error", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	hub := sse.NewHub()

	sessions := func(account store.Account) syncer.Mailbox {
		return mailbox.NewSession(mailbox.Options{
			Addr:        cfg.IMAPAddr(account.Provider),
			Username:    account.Email,
			Password:    account.Password,
			TLSConfig:   &tls.Config{InsecureSkipVerify: cfg.IMAPInsecureSkipVerify},
			DialTimeout: cfg.IMAPDialTimeout,
			Logger:      logger,
		})
	}
	driver := syncer.NewDriver(db, sessions, hub, logger, syncer.Options{
		Location:     cfg.Location,
		MessageDelay: cfg.SyncMessageDelay,
	})

	mailer := notify.New(notify.Config{
		AdminEmail: cfg.AdminEmail,
		Host:       cfg.SMTPHost,
		Port:       cfg.SMTPPort,
		Username:   cfg.SMTPUsername,
		Password:   cfg.SMTPPassword,
		From:       cfg.SMTPFrom,
		TLS:        cfg.SMTPTLS,
		TLSConfig:  &tls.Config{InsecureSkipVerify: cfg.SMTPInsecureSkipVerify},
	}, logger)
	if !cfg.NotifyEnabled() {
		logger.Warn("ADMIN_EMAIL or SMTP_HOST not set; sync failures are only logged")
	}

	runner := syncer.NewRunner(driver, db, mailer, logger, syncer.RetryOptions{
		MaxAttempts: cfg.SyncMaxAttempts,
		Backoff:     cfg.SyncBackoff,
	})

	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()

	dispatcher := tasks.NewDispatcher(runner.Run, cfg.SyncWorkers, 0, logger)
	dispatcher.Start(runCtx)
	scheduler := tasks.NewScheduler(db, dispatcher, cfg.SyncInterval, logger)
	go scheduler.Run(runCtx)

	apiServer := api.NewServer(db, authManager, hub, dispatcher, cfg.Location, logger)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}
	// Open event streams never go idle; end them and running syncs once
	// shutdown starts.
	httpSrv.RegisterOnShutdown(stopRuns)

	go func() {
		logger.Info("http server listening", "addr", httpAddr, "workers", cfg.SyncWorkers)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if err := dispatcher.Stop(ctx); err != nil {
		logger.Error("shutdown sync workers", "error", err)
	}
}
