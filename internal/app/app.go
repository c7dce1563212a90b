// Package app wires configuration, transport, storage and the monitoring
// services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"findbrilliant/internal/bot"
	"findbrilliant/internal/config"
	"findbrilliant/internal/eventbus"
	"findbrilliant/internal/monitor"
	"findbrilliant/internal/notifier"
	"findbrilliant/internal/pipeline"
	"findbrilliant/internal/poller"
	"findbrilliant/internal/refresh"
	"findbrilliant/internal/registry"
	rtsup "findbrilliant/internal/runtime/supervisor"
	"findbrilliant/internal/store"
	kit "findbrilliant/internal/transport"
	telegram "findbrilliant/internal/transport/telegram"
	logx "findbrilliant/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *telegram.Adapter
	reg     registry.Store
	proc    *store.Store

	idx   *monitor.Index
	notif *notifier.Service
	pipe  *pipeline.Pipeline
	poll  *poller.Poller
	jobs  *refresh.Service
	ui    *bot.Service

	updates chan kit.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutOr(10 * time.Second),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	reg, err := registry.Open(registry.Config{
		Path:        cfg.Registry.Path,
		BusyTimeout: cfg.Registry.BusyTimeoutOr(5 * time.Second),
	}, log.With(logx.String("comp", "registry")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	proc, err := store.Open(store.Config{
		Path:        cfg.Processed.Path,
		BusyTimeout: cfg.Processed.BusyTimeoutOr(5 * time.Second),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = reg.Close()
		logSvc.Close()
		return nil, fmt.Errorf("open processed store: %w", err)
	}

	idx := monitor.NewIndex(reg, log.With(logx.String("comp", "monitor")))

	notif := notifier.New(mapNotifierConfig(cfg), ad,
		log.With(logx.String("comp", "notifier")), bus)

	pipe := pipeline.New(idx, proc, notif, bus, log.With(logx.String("comp", "pipeline")))

	var poll *poller.Poller
	if cfg.Poller.Enabled {
		poll = poller.New(poller.Config{
			Interval:      cfg.Poller.IntervalOr(30 * time.Second),
			StartDelay:    cfg.Poller.StartDelayOr(10 * time.Second),
			MaxFeedJitter: cfg.Poller.MaxFeedJitterOr(2 * time.Second),
			FetchLimit:    cfg.Poller.FetchLimit,
		}, idx, ad, pipe, log.With(logx.String("comp", "poller")))
	}

	ui := bot.New(reg, ad, ad, idx, proc, log.With(logx.String("comp", "bot")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		reg:     reg,
		proc:    proc,
		idx:     idx,
		notif:   notif,
		pipe:    pipe,
		poll:    poll,
		jobs:    refresh.New(log.With(logx.String("comp", "refresh"))),
		ui:      ui,
		updates: make(chan kit.Message, 256),
	}
	if err := a.registerJobs(cfg); err != nil {
		_ = proc.Close()
		_ = reg.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) registerJobs(cfg *config.Config) error {
	rebuildSpec := fmt.Sprintf("@every %s", cfg.Monitor.RefreshIntervalOr(30*time.Second))
	if err := a.jobs.Add("index.rebuild", rebuildSpec, func(ctx context.Context) {
		if err := a.idx.Rebuild(ctx); err != nil {
			// The previous snapshot stays in effect until the next run.
			a.log.Warn("scheduled index rebuild failed", logx.Err(err))
			return
		}
		st := a.idx.Stats()
		a.bus.Publish(eventbus.Event{
			Type: eventbus.TypeMonitorRebuilt,
			Time: time.Now(),
			Data: st,
		})
	}); err != nil {
		return err
	}

	retention := cfg.Processed.RetentionOr(720 * time.Hour)
	if err := a.jobs.Add("processed.prune", "@daily", func(ctx context.Context) {
		if _, err := a.proc.Prune(ctx, time.Now().Add(-retention)); err != nil {
			a.log.Warn("processed prune failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	return a.jobs.Add("heartbeat", "@every 5m", func(ctx context.Context) {
		ist := a.idx.Stats()
		fields := []logx.Field{
			logx.Int("active_requests", ist.ActiveRequests),
			logx.Int("monitored_feeds", ist.MonitoredFeeds),
			logx.Int("monitors", ist.TotalMonitors),
		}
		if pst, err := a.proc.Stats(ctx); err == nil {
			fields = append(fields,
				logx.Int64("processed_total", pst.Total),
				logx.Int64("processed_24h", pst.Last24))
		}
		a.log.Info("heartbeat", fields...)
	})
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject bad hot reloads before they are committed.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Telegram.Token == "" {
			cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
		}
		return cfg.Validate()
	})

	// The first index build happens before any message can arrive, so the
	// push path never races an empty index at startup. A failure here is not
	// fatal; the scheduled rebuild retries.
	if err := a.idx.Rebuild(a.sup.Context()); err != nil {
		a.log.Error("initial index rebuild failed", logx.Err(err))
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	a.jobs.Start(a.sup.Context())

	if a.poll != nil {
		a.sup.GoRestart("poller.run", func(c context.Context) error {
			return a.poll.Run(c)
		})
	}

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c)
	})

	// Event audit trail at debug level; components publish, nothing depends
	// on delivery.
	events, unsubEvents := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubEvents()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// dispatchLoop routes incoming messages: direct chats go to the command UI,
// everything else through the monitoring pipeline.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-a.updates:
			if !ok {
				return nil
			}
			if msg.IsDirect {
				a.ui.HandleUpdate(ctx, msg)
				continue
			}
			if err := a.pipe.Process(ctx, msg); err != nil {
				a.log.Warn("message processing failed",
					logx.Int64("feed_id", msg.FeedID),
					logx.Int("message_id", msg.ID),
					logx.Err(err))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(old, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.notif.Apply(mapNotifierConfig(cfg))

	if old != nil {
		if old.Telegram.Token != cfg.Telegram.Token ||
			old.Telegram.PollTimeout != cfg.Telegram.PollTimeout {
			a.log.Warn("telegram config changed; restart required for changes to take effect")
		}
		if old.Registry.Path != cfg.Registry.Path ||
			old.Processed.Path != cfg.Processed.Path {
			a.log.Warn("storage paths changed; restart required for changes to take effect")
		}
		if old.Poller != cfg.Poller || old.Monitor != cfg.Monitor {
			a.log.Warn("poller/monitor schedule changed; restart required for changes to take effect")
		}
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}

	// Bound every shutdown step so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("refresh", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("registry", time.Second, func(context.Context) error { return a.reg.Close() })
	step("store", time.Second, func(context.Context) error { return a.proc.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Workers:      cfg.Notifier.Workers,
		QueueSize:    cfg.Notifier.QueueSize,
		RatePerSec:   cfg.Notifier.RatePerSec,
		FloodMaxWait: cfg.Notifier.FloodMaxWaitOr(30 * time.Second),
		PreviewLen:   cfg.Notifier.PreviewLen,
	}
}
