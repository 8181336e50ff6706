// Command ratewindowd serves sliding-window rate limit decisions over HTTP,
// with counters kept in Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nhalm/ratewindow/config"
	"github.com/nhalm/ratewindow/conn"
	"github.com/nhalm/ratewindow/internal/server"
	"github.com/nhalm/ratewindow/ratelimit"
	"github.com/nhalm/ratewindow/ratelimit/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("ratewindowd failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ratewindowd", flag.ContinueOnError)
	addr := fs.String("addr", "", "listen address (overrides RATEWINDOW_ADDR)")
	policiesPath := fs.String("policies", "", "policies file (overrides RATEWINDOW_POLICIES)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	if *policiesPath != "" {
		os.Setenv("RATEWINDOW_POLICIES", *policiesPath)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if errLog := setupLogging(cfg.Server); errLog != nil {
		return errLog
	}

	entry := log.WithField("component", "redis")
	mgr, err := conn.Connect(ctx, cfg.Redis, conn.WithLogger(entry))
	if err != nil {
		return err
	}
	defer mgr.Close()

	limiter := ratelimit.New(store.NewRedis(mgr),
		ratelimit.WithConnection(mgr),
		ratelimit.WithPrefix(cfg.Server.KeyPrefix),
	)

	opts := []server.Option{server.WithLogger(log.WithField("component", "server"))}
	if cfg.Server.SelfPolicy != "" {
		opts = append(opts, server.WithSelfPolicy(cfg.Server.SelfPolicy))
	}
	if len(cfg.Server.AdminTokens) > 0 {
		opts = append(opts, server.WithAdminTokens(cfg.Server.AdminTokens...))
	} else {
		log.Warn("RATEWINDOW_ADMIN_TOKENS is empty, resets are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(limiter, cfg.Policies, mgr, opts...).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.WithFields(log.Fields{
		"addr":     cfg.Server.Addr,
		"policies": cfg.Policies.Names(),
	}).Info("ratewindowd listening")

	if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return errListen
	}
	log.Info("ratewindowd stopped")
	return nil
}

func setupLogging(cfg config.Server) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
