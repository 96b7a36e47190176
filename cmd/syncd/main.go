// syncd runs one full warehouse sync and exits. Exit codes: 0 completed,
// 1 failed, 2 partial (interrupted or finished with transient gaps).
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vespa-academy/datasync/internal/config"
	"github.com/vespa-academy/datasync/internal/crm"
	"github.com/vespa-academy/datasync/internal/db"
	"github.com/vespa-academy/datasync/internal/model"
	"github.com/vespa-academy/datasync/internal/pipeline"
	"github.com/vespa-academy/datasync/internal/stats"
	"github.com/vespa-academy/datasync/internal/syncrun"
)

func main() {
	cfg := config.FromEnv()
	log := newLogger(cfg)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("bad configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	octx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := db.Open(octx, db.Driver(cfg.DBDriver), cfg.DBDSN)
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

	out, err := pipe.RunFull(ctx)
	switch {
	case errors.Is(err, syncrun.ErrLocked):
		log.Error("another sync holds the checkpoint lock")
		os.Exit(1)
	case err != nil:
		log.Error("sync failed", "run", out.RunID, "err", err)
		os.Exit(1)
	}

	log.Info("sync finished", "run", out.RunID, "status", out.Status)
	if out.Status != model.RunCompleted {
		os.Exit(2)
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
