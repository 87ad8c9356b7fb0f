package main

import (
	"io"
	"log/slog"

	"whisperlink/internal/adapter/bridge"
	"whisperlink/internal/domain"
	"whisperlink/internal/infra/config"
	"whisperlink/internal/usecase"
	"whisperlink/internal/usecase/calls"
	"whisperlink/internal/usecase/command"
	"whisperlink/internal/usecase/eventbus"
	"whisperlink/internal/usecase/notify"
	"whisperlink/internal/usecase/supervisor"
	"whisperlink/internal/usecase/syncengine"
)

// app holds the wired client core.
type app struct {
	bus        *eventbus.Bus
	supervisor *supervisor.Supervisor
	client     *command.Client
	center     *notify.Center
	store      *syncengine.Store
	engine     *syncengine.Engine
	tracker    *calls.Tracker
	messenger  *usecase.Messenger
}

// newApp builds every component from cfg. Nothing is started.
func newApp(cfg *config.Config, log *slog.Logger) *app {
	bus := eventbus.New(log)

	maxFrame := cfg.Bridge.MaxFrameBytes
	connect := func(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) domain.WorkerConn {
		return bridge.NewConn(stdin, stdout, maxFrame, logger)
	}
	sup := supervisor.New(supervisorConfig(cfg.Worker), connect, bus, log.With("component", "supervisor"))

	client := command.NewClient(sup, commandConfig(cfg.Bridge), log.With("component", "command"))

	center := notify.NewCenter(notify.Config{
		Info:    cfg.Notifications.Info,
		Success: cfg.Notifications.Success,
		Warning: cfg.Notifications.Warning,
		Error:   cfg.Notifications.Error,
	}, bus, log.With("component", "notify"))

	store := syncengine.NewStore()
	tracker := calls.NewTracker(client, bus, log.With("component", "calls"))
	engine := syncengine.New(syncengine.Config{
		PollInterval:    cfg.Sync.PollInterval,
		RefreshInterval: cfg.Sync.RefreshInterval,
	}, client, store, tracker, center, bus, log.With("component", "sync"))

	messenger := usecase.NewMessenger(usecase.MessengerDeps{
		Supervisor: sup,
		Commands:   client,
		Sync:       engine,
		Store:      store,
		Calls:      tracker,
		Notifier:   center,
		Bus:        bus,
		Logger:     log.With("component", "messenger"),
	})

	return &app{
		bus:        bus,
		supervisor: sup,
		client:     client,
		center:     center,
		store:      store,
		engine:     engine,
		tracker:    tracker,
		messenger:  messenger,
	}
}

// close releases the in-process components. The worker is stopped by
// Messenger.Shutdown.
func (a *app) close() {
	a.center.Close()
	a.bus.Close()
}

func supervisorConfig(w config.WorkerConfig) supervisor.Config {
	return supervisor.Config{
		Command:         w.Command,
		Args:            w.Args,
		WorkDir:         w.WorkDir,
		Env:             w.EnvList(),
		SettleDelay:     w.SettleDelay,
		TerminateGrace:  w.TerminateGrace,
		RestartDelay:    w.RestartDelay,
		LivenessTimeout: w.LivenessTimeout,
		StderrBufferMax: w.StderrBufferMax,
	}
}

func commandConfig(b config.BridgeConfig) command.Config {
	return command.Config{
		Timeout:            b.CommandTimeout,
		BaseDelay:          b.RetryBaseDelay,
		MaxDelay:           b.RetryMaxDelay,
		DefaultAttempts:    b.DefaultAttempts,
		LivenessAttempts:   b.LivenessAttempts,
		RateLimit:          b.RateLimit,
		RateBurst:          b.RateBurst,
		BreakerMaxFailures: b.BreakerMaxFailures,
		BreakerTimeout:     b.BreakerTimeout,
	}
}
