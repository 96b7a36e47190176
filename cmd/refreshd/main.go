// refreshd serves the on-demand refresh API: POST /refresh re-syncs one
// establishment, GET /refresh/{id} reports the last outcome. Metrics and a
// warehouse health probe ride on the same listener.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	api "github.com/vespa-academy/datasync/internal/api/http"
	"github.com/vespa-academy/datasync/internal/auth"
	"github.com/vespa-academy/datasync/internal/config"
	"github.com/vespa-academy/datasync/internal/crm"
	"github.com/vespa-academy/datasync/internal/db"
	"github.com/vespa-academy/datasync/internal/pipeline"
	"github.com/vespa-academy/datasync/internal/refresh"
	"github.com/vespa-academy/datasync/internal/stats"
)

func main() {
	cfg := config.FromEnv()
	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("bad configuration", "err", err)
		os.Exit(1)
	}
	if cfg.RefreshTokenHash == "" && cfg.AuthHMACSecret == "" {
		log.Error("refusing to serve unauthenticated: set REFRESH_TOKEN_HASH or AUTH_HMAC_SECRET")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.Error("db open failed", "err", err)
		os.Exit(1)
	}
	defer dbh.Close()

	client := crm.New(crm.Config{
		BaseURL:   cfg.CRMBaseURL,
		AppID:     cfg.CRMAppID,
		APIKey:    cfg.CRMAPIKey,
		RateLimit: cfg.CRMRateLimit,
		Timeout:   cfg.ExtractTimeout,
		Logger:    log,
	})

	agg := stats.New(dbh, client, log)
	pipe := pipeline.New(cfg, dbh, client, agg, log)
	svc := refresh.New(pipe, cfg.RefreshTimeout, log)
	authSvc := auth.NewService(cfg.RefreshTokenHash, cfg.AuthHMACSecret)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	// Room for the refresh itself plus response writing.
	r.Use(middleware.Timeout(cfg.RefreshTimeout + 10*time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", api.HealthzHandler(dbh))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(auth.Middleware(authSvc))
		pr.Post("/refresh", api.PostRefreshHandler(svc))
		pr.Get("/refresh/{establishmentID}", api.GetRefreshStatusHandler(svc))
	})

	log.Info("listening", "addr", cfg.HTTPAddr, "db", cfg.DBDriver)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
		}
	}
	var lvl slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
