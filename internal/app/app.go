package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"forwardbot/internal/config"
	"forwardbot/internal/engine"
	"forwardbot/internal/notify"
	"forwardbot/internal/router"
	"forwardbot/internal/storage"
	"forwardbot/internal/transport"
	"forwardbot/internal/transport/telegram"
	"forwardbot/pkg/logx"
)

const updateBuffer = 128

// App wires the whole bot together and owns its lifecycle.
type App struct {
	cfgm *config.Manager

	log      logx.Logger
	logClose func() error

	store    storage.Store
	adapter  *telegram.Adapter
	notif    *notify.Service
	registry *engine.Registry
	flow     *engine.SetupFlow
	router   *router.Router

	sweeper *cron.Cron
	updates chan transport.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, logClose, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logFilePath(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout(cfg),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logClose()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.PollTimeoutOrDefault(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logClose()
		return nil, fmt.Errorf("init telegram: %w", err)
	}

	notif := notify.New(notify.Config{
		RatePerSec: cfg.Notifier.RatePerSec,
		QueueSize:  cfg.Notifier.QueueSize,
	}, adapter, log.With(logx.String("comp", "notifier")))

	registry := engine.NewRegistry(store, adapter, notif, engine.Config{},
		log.With(logx.String("comp", "engine")))
	flow := engine.NewSetupFlow(store, adapter, registry,
		log.With(logx.String("comp", "setup")))

	rt := router.New(adapter, flow, registry, store, router.Options{
		PrivateOnly: cfg.Policy.PrivateOnlyEnabled(),
		DedupWindow: cfg.DedupWindowOrDefault(),
	}, log.With(logx.String("comp", "router")))

	return &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logClose: logClose,
		store:    store,
		adapter:  adapter,
		notif:    notif,
		registry: registry,
		flow:     flow,
		router:   rt,
		updates:  make(chan transport.Update, updateBuffer),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	restored, err := a.registry.RestoreAll(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("restore tasks: %w", err)
	}

	a.notif.Start(runCtx)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return fmt.Errorf("start telegram: %w", err)
	}

	// Single consume loop: updates for one user are handled in arrival
	// order, which is what keeps the setup flow race-free without locks.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case up := <-a.updates:
				a.router.Handle(runCtx, up)
			}
		}
	}()

	if err := a.startSweeper(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start session sweeper: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reloadLoop(runCtx)
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("bot started", logx.Int("restored_tasks", restored))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("shutting down")

	if a.sweeper != nil {
		sctx := a.sweeper.Stop()
		select {
		case <-sctx.Done():
		case <-ctx.Done():
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	_ = a.adapter.Stop(ctx)
	a.registry.Shutdown(ctx)
	a.notif.Stop(ctx)
	a.wg.Wait()

	err := a.store.Close()
	if cerr := a.logClose(); err == nil {
		err = cerr
	}
	return err
}

// startSweeper schedules the expiry of abandoned setup sessions.
func (a *App) startSweeper(ctx context.Context) error {
	cfg := a.cfgm.Get()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(cfg.SweepScheduleOrDefault(), func() {
		ttl := a.cfgm.Get().SessionTTLOrDefault()
		ids, err := a.flow.ExpireStale(ctx, time.Now().Add(-ttl))
		if err != nil {
			a.log.Warn("session sweep failed", logx.Err(err))
			return
		}
		if len(ids) > 0 {
			a.log.Info("expired stale sessions", logx.Int("count", len(ids)))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	a.sweeper = c
	return nil
}

// reloadLoop applies the hot-reloadable parts of a committed config: log
// level, notifier rate and router policy. Token, storage and schedules need
// a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			logx.SetLevel(cfg.Logging.Level)
			a.notif.Apply(notify.Config{
				RatePerSec: cfg.Notifier.RatePerSec,
				QueueSize:  cfg.Notifier.QueueSize,
			})
			a.router.Apply(router.Options{
				PrivateOnly: cfg.Policy.PrivateOnlyEnabled(),
				DedupWindow: cfg.DedupWindowOrDefault(),
			})
			a.log.Info("runtime config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

func logFilePath(cfg *config.Config) string {
	if cfg.Logging.File.Enabled {
		return cfg.Logging.File.Path
	}
	return ""
}

func busyTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return 0
	}
	return d
}
