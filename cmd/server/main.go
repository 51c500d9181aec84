package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsignal/internal/adapters/contacts"
	router "github.com/dkeye/callsignal/internal/adapters/http"
	signaling "github.com/dkeye/callsignal/internal/adapters/signal"
	"github.com/dkeye/callsignal/internal/app"
	"github.com/dkeye/callsignal/internal/config"
	"github.com/dkeye/callsignal/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger comes up before config so load errors are visible.
	config.SetupLogger("debug", "info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogger(cfg.Mode, cfg.LogLevel)
	cfg.Watch(func(fresh *config.Config) { config.SetLogLevel(fresh.LogLevel) })

	openCtx, openCancel := context.WithTimeout(ctx, cfg.Contacts.Timeout)
	store, err := contacts.Open(openCtx, cfg.Contacts)
	openCancel()
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Contacts.Backend).Msg("failed to open contact store")
	}

	m := metrics.New()
	reg := app.NewRegistry(m)
	orch := &app.Orchestrator{
		Registry: reg,
		Presence: &app.PresenceNotifier{
			Registry: reg,
			Contacts: store,
			Metrics:  m,
			Timeout:  cfg.Contacts.Timeout,
		},
		Relay: &app.Relay{
			Registry: reg,
			Policy:   app.SimplePolicy{KickSlow: cfg.KickSlow},
			Metrics:  m,
		},
	}
	limiter := signaling.NewInviteRateLimiter(cfg.InviteLimit, cfg.InviteWindow)
	ctrl := signaling.NewSignalWSController(orch, limiter, m, signaling.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
	})

	r := router.SetupRouter(ctx, cfg, orch, ctrl, m)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("contacts", cfg.Contacts.Backend).Msg("callsignal server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := store.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("contact store close")
	}
	log.Info().Msg("Server exited gracefully")
}
