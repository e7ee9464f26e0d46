package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-bridge/internal/audit"
	"call-bridge/internal/auth"
	"call-bridge/internal/bridge"
	"call-bridge/internal/calls"
	"call-bridge/internal/config"
	"call-bridge/internal/health"
	"call-bridge/internal/httpapi"
	"call-bridge/internal/provisioning"
	"call-bridge/internal/rbac"
	"call-bridge/internal/relay"
	"call-bridge/internal/reporting"
	"call-bridge/internal/signaling"
	"call-bridge/pkg/logger"
	"call-bridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn(".env not loaded", "err", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "token:", err)
			os.Exit(2)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("bridge stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if exp, ok := provisioning.AssertionExpiry(cfg.Platform.JWTAssertion); ok {
		log.Info("platform assertion loaded", "expires_at", exp.UTC())
	}

	// Call history: Postgres when configured, otherwise a bounded in-process store.
	var history calls.Repository = calls.NewMemoryRepo(1000)
	if cfg.HasPostgres() {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		defer db.Close()
		history = calls.NewPostgresRepo(db)
	}

	var slots calls.SlotLimiter
	if cfg.HasRedis() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		defer rdb.Close()
		// Leases outlive the longest possible call.
		slots = calls.NewRedisSlots(rdb, cfg.Redis.SlotKey, cfg.Calls.MaxConcurrent, cfg.Calls.Timeout+time.Minute)
	}

	auditSvc := audit.NewService(audit.NewBoundedMemoryRepo(10000))

	client := provisioning.NewClient(provisioning.ClientConfig{
		Server:       cfg.Platform.Server,
		ClientID:     cfg.Platform.ClientID,
		ClientSecret: cfg.Platform.ClientSecret,
		JWTAssertion: cfg.Platform.JWTAssertion,
		Timeout:      cfg.Platform.RequestTimeout,
	})
	registrations := provisioning.NewManager(client, provisioning.ManagerOptions{
		StatusPollDelay: cfg.Platform.StatusPollDelay,
		Logger:          log,
	})

	transport := signaling.NewTransport(signaling.Options{
		RequestTimeout: cfg.Platform.RequestTimeout,
		Logger:         log,
	})

	var (
		callRelay  calls.Relay
		audioRelay bridge.AudioRelay
		notifier   calls.Notifier
	)
	if cfg.AI.RelayURL != "" {
		rb := relay.NewBridge(relay.Options{URL: cfg.AI.RelayURL, Logger: log})
		callRelay, audioRelay = rb, rb
	} else {
		log.Warn("AI_RELAY_URL not set, calls will run degraded")
	}
	if cfg.AI.NotifyURL != "" {
		notifier = relay.NewNotifier(cfg.AI.NotifyURL, &http.Client{Timeout: cfg.Platform.RequestTimeout})
	}

	machine := calls.NewMachine(calls.Options{
		MaxConcurrent:   cfg.Calls.MaxConcurrent,
		CallTimeout:     cfg.Calls.Timeout,
		AnswerTimeout:   cfg.Calls.AnswerTimeout,
		RequestTimeout:  cfg.Platform.RequestTimeout,
		VoicemailTarget: cfg.Calls.VoicemailTarget,
		Signaler:        transport,
		Relay:           callRelay,
		Notifier:        notifier,
		Repository:      history,
		Audit:           auditSvc,
		Slots:           slots,
		NewMedia:        bridge.MediaFactory(transport),
		Logger:          log,
	})

	supervisor := health.NewSupervisor(registrations, transport, health.Options{
		Interval:           cfg.Health.Interval,
		MaxAttempts:        cfg.Health.MaxAttempts,
		FastReconnectDelay: cfg.Health.FastReconnectDelay,
		CheckTimeout:       cfg.Platform.RequestTimeout,
		Logger:             log,
	})

	b := bridge.New(bridge.Options{
		Signaling:     transport,
		Machine:       machine,
		Supervisor:    supervisor,
		Relay:         audioRelay,
		Registrations: registrations,
		Audit:         auditSvc,
		Logger:        log,
	})

	authMW := auth.AllowAnonymous(rbac.RoleAdmin)
	if cfg.Status.JWTSecret != "" {
		authManager, err := auth.NewManager(cfg.Status)
		if err != nil {
			return fmt.Errorf("auth init failed: %w", err)
		}
		authMW = auth.RequireOperatorToken(authManager)
	} else {
		log.Warn("STATUS_JWT_SECRET not set, status API is open")
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, httpapi.Handlers{
		Status:        b,
		Calls:         machine,
		Audit:         auditSvc,
		Reports:       reporting.NewService(reporting.HistoryRepo{History: history}),
		HangupTimeout: cfg.Platform.RequestTimeout,
	}, authMW)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := b.Start(rootCtx); err != nil {
		_ = transport.Close()
		return fmt.Errorf("startup failed: %w", err)
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("status api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := b.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("bridge shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("bridge stopped cleanly")
	return nil
}
