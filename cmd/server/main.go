package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shehryarbajwa/portalgate/internal/api"
	"github.com/shehryarbajwa/portalgate/internal/config"
	"github.com/shehryarbajwa/portalgate/internal/driver"
	"github.com/shehryarbajwa/portalgate/internal/oplog"
	"github.com/shehryarbajwa/portalgate/internal/ratelimit"
	"github.com/shehryarbajwa/portalgate/internal/session"
	"github.com/shehryarbajwa/portalgate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	st, err := store.Open(cfg.SessionDBPath, logger)
	if err != nil {
		logger.Error("opening session store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ol, err := oplog.Open(cfg.OplogPath)
	if err != nil {
		logger.Error("opening operation log", "error", err)
		os.Exit(1)
	}
	defer ol.Close()

	launcher, err := driver.NewLauncher(cfg, logger)
	if err != nil {
		logger.Error("starting browser runtime", "error", err)
		os.Exit(1)
	}
	defer launcher.Close()

	mgr := session.NewManager(cfg, launcher, st, ol, logger)
	defer mgr.Close()

	limiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	stopPrune := limiter.PruneEvery(time.Hour)
	defer stopPrune()
	router := api.NewHandler(mgr, logger).SetupRoutes(limiter, cfg.RateLimitPerHour)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Attended logins block until a human finishes the form.
		WriteTimeout: cfg.ManualWait + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "portal", cfg.LoginURL, "browser", cfg.BrowserType)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
}
