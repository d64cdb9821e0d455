package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"erasured/internal/api"
	"erasured/internal/catalog"
	"erasured/internal/config"
	"erasured/internal/connectors/browser"
	"erasured/internal/connectors/email"
	"erasured/internal/connectors/httpx"
	"erasured/internal/engine"
	"erasured/internal/logging"
	"erasured/internal/metrics"
	"erasured/internal/plan"
	"erasured/internal/ratelimit"
	"erasured/internal/store"
	"erasured/internal/task"
	"erasured/internal/vault"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, redactor, err := logging.New(verbose, cfg.PII.LogRedaction)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	loader, err := plan.NewLoader(cfg.PlansRoot)
	if err != nil {
		return err
	}

	cat := catalog.Empty()
	if cfg.CatalogPath != "" {
		cat, err = catalog.Load(cfg.CatalogPath)
		if err != nil {
			return err
		}
	}

	var vlt *vault.Vault
	if cfg.PII.EncryptionKey != "" {
		vlt, err = vault.New(cfg.PII.EncryptionKey)
		if err != nil {
			return err
		}
	}

	var mailbox *email.Connector
	if cfg.Email.IMAPHost != "" && cfg.Email.SMTPHost != "" {
		mailbox = email.New(email.Config{
			Address:  cfg.Email.Address,
			IMAPHost: cfg.Email.IMAPHost,
			IMAPPort: cfg.Email.IMAPPort,
			SMTPHost: cfg.Email.SMTPHost,
			SMTPPort: cfg.Email.SMTPPort,
			Password: cfg.Email.Password,
		}, logger)
	}

	var chrome *browser.Browser
	chrome, err = browser.New(browser.Config{
		Headless:       cfg.Browser.Headless,
		Stealth:        cfg.Browser.Stealth,
		ProxyURL:       cfg.Browser.ProxyURL,
		DefaultTimeout: time.Duration(cfg.Browser.DefaultTimeoutMs) * time.Millisecond,
	}, logger)
	if err != nil {
		// Rendered scraping and form submission fail per-task; everything
		// else keeps working.
		logger.Warn("browser unavailable", zap.Error(err))
		chrome = nil
	} else {
		defer chrome.Close()
	}

	m := metrics.New()
	registry := task.NewRegistry(task.Deps{
		HTTP:        httpx.New(time.Duration(cfg.DefaultTimeoutMs)*time.Millisecond, false),
		Browser:     chrome,
		Robots:      browser.NewRobotsGate(),
		CheckRobots: cfg.Browser.CheckRobotsTxt,
		Email:       mailbox,
		Limiter:     ratelimit.NewKeyed(cfg.Browser.RateLimitPerBrokerPerHour),
		Vault:       vlt,
		Store:       st,
		Catalog:     cat,
		LLM:         task.NewLLMClient(cfg.LLM),
		Metrics:     m,
		Logger:      logger,
	})

	service := &engine.Service{
		Store:      st,
		Loader:     loader,
		Registry:   registry,
		Catalog:    cat,
		Config:     cfg,
		Metrics:    m,
		DeadLetter: engine.NewDeadLetter(st, 0, logger),
		Logger:     logger,
	}
	if _, err := service.Bootstrap(ctx); err != nil {
		return err
	}

	scheduler := engine.NewScheduler(service)
	sweeper := engine.NewSweeper(service)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort),
		Handler:           api.New(service, scheduler, vlt, redactor).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.MaxConcurrentRuns; i++ {
		runner := engine.NewRunner(service)
		g.Go(func() error {
			err := runner.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			err := scheduler.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("executor stopped")
	return err
}
