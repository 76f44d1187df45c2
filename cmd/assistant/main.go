package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pharmacy-voice-lab/internal/audiodev"
	"github.com/pharmacy-voice-lab/internal/config"
	"github.com/pharmacy-voice-lab/internal/livewire"
	"github.com/pharmacy-voice-lab/internal/logging"
	"github.com/pharmacy-voice-lab/internal/notify"
	"github.com/pharmacy-voice-lab/internal/session"
	"github.com/pharmacy-voice-lab/internal/store"
	"github.com/pharmacy-voice-lab/internal/tools"
)

func main() {
	logging.Init()
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalw("invalid configuration", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	querier, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatalw("store unavailable", "err", err)
	}
	defer cleanup()

	registry := tools.NewRegistry(cfg.PropagateToolErrors)
	reports := tools.NewReports(querier, nil)
	if err := reports.RegisterAll(registry); err != nil {
		logging.Fatalw("tool registration failed", "err", err)
	}

	dialer := livewire.NewDialer(livewire.Options{
		URL:          cfg.LiveURL,
		APIKey:       cfg.LiveAPIKey,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Declarations: registry.Declarations(),
	})

	ctrl, err := session.New(session.Config{
		Dialer:   dialer,
		Devices:  audiodev.NullDevices{},
		Registry: registry,
		Notifier: notify.LogNotifier{},
		OnStatus: func(s session.VoiceStatus) {
			logging.Infow("status changed", "status", s.String())
		},
	})
	if err != nil {
		logging.Fatalw("controller setup failed", "err", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	err = ctrl.Start(startCtx)
	startCancel()
	if err != nil {
		logging.Fatalw("session start failed", "err", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logging.Infow("shutting down")

	if err := ctrl.Stop(); err != nil && err != session.ErrNotActive {
		logging.Warnw("session stop", "err", err)
	}
}

// openStore picks the Postgres store when a DSN is configured, otherwise an
// empty in-memory store for local runs.
func openStore(ctx context.Context, cfg config.Config) (store.Querier, func(), error) {
	if cfg.DatabaseURL == "" {
		logging.Infow("using in-memory store")
		return store.NewMemStore(), func() {}, nil
	}
	pg, err := store.OpenPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logging.Infow("connected to postgres")
	return pg, pg.Close, nil
}
