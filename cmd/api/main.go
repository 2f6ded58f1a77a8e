package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callguard/internal/audio"
	"callguard/internal/audit"
	"callguard/internal/auth"
	"callguard/internal/calls"
	"callguard/internal/classifier"
	"callguard/internal/config"
	"callguard/internal/history"
	"callguard/internal/httpapi"
	"callguard/internal/ingress"
	"callguard/internal/notify"
	"callguard/internal/staging"
	"callguard/internal/users"
	"callguard/pkg/logger"
	"callguard/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	// Stores: Postgres when configured, otherwise in-memory.
	var (
		db          *sql.DB
		historyRepo history.Repository = history.NewMemoryRepo()
		userRepo    users.Repository   = users.NewMemoryRepo()
		auditRepo   audit.Repository   = audit.NewMemoryRepo()
	)
	if cfg.HasPostgres() {
		db, err = utils.OpenPostgres(rootCtx, utils.PostgresDriver, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := utils.EnsureSchema(rootCtx, db, history.Schema, history.SchemaIndex, users.Schema, audit.Schema); err != nil {
			log.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		historyRepo = history.NewPostgresRepo(db)
		userRepo = users.NewPostgresRepo(db)
		auditRepo = audit.NewPostgresRepo(db)
	} else {
		log.Warn("DB_HOST not set, using in-memory stores")
	}

	var lineLock calls.LineLock
	if cfg.HasRedis() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		lineLock, err = calls.NewRedisLineLock(rdb, cfg.Calls.LineLockTTL)
		if err != nil {
			log.Error("line lock init failed", "err", err)
			os.Exit(1)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := notify.NewHub(log)
	historySvc := history.NewService(historyRepo)
	recordWriter := history.NewAsyncWriter(historySvc, log, 64)

	stager, err := staging.NewDownloader(cfg.Staging.Dir, &http.Client{Timeout: cfg.Staging.Timeout})
	if err != nil {
		log.Error("staging init failed", "err", err)
		os.Exit(1)
	}
	verdicts, err := classifier.NewClient(cfg.Classifier.URL, cfg.Classifier.Field, &http.Client{Timeout: cfg.Classifier.Timeout})
	if err != nil {
		log.Error("classifier init failed", "err", err)
		os.Exit(1)
	}

	machine, err := calls.NewMachine(calls.Deps{
		Stager:     stager,
		Classifier: verdicts,
		Records:    recordWriter,
		Audio:      audio.NewRelay(hub),
		Notices:    hub,
	}, calls.Options{
		FakeHangupDelay: cfg.Calls.FakeHangupDelay,
		Lock:            lineLock,
		Metrics:         calls.NewMetrics(registry),
		Logger:          log,
	})
	if err != nil {
		log.Error("call machine init failed", "err", err)
		os.Exit(1)
	}

	dispatcher := ingress.NewDispatcher(machine, log)
	if cfg.Ingress.SocketURL != "" {
		sock, err := ingress.NewSocketClient(cfg.Ingress.SocketURL, cfg.Ingress.ReconnectDelay, dispatcher, log)
		if err != nil {
			log.Error("socket ingress init failed", "err", err)
			os.Exit(1)
		}
		go func() { _ = sock.Run(rootCtx) }()
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerPublicRoutes(r, db, registry, ingress.PushHandler{Dispatcher: dispatcher, Secret: cfg.Ingress.PushSecret})
	registerAPIRoutes(r, authManager, httpapi.Handlers{
		Auth:    authManager,
		Users:   users.NewService(userRepo),
		Calls:   machine,
		History: historySvc,
		Notices: hub,
		Audit:   audit.NewService(auditRepo, log),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WebSocket connections are hijacked, so this bounds plain responses only.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "postgres", cfg.HasPostgres(), "redis", cfg.HasRedis())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	machine.Shutdown(shutdownCtx)
	if err := recordWriter.Close(shutdownCtx); err != nil {
		log.Error("record writer drain failed", "err", err)
	}
	hub.Close()
}
