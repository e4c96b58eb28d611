// Package app wires the relay together: config, logging, storage, the
// Telegram transport, sources, the poll pipeline, the bot router and the
// HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"naualerts/internal/bot"
	"naualerts/internal/config"
	"naualerts/internal/dedup"
	"naualerts/internal/dispatch"
	"naualerts/internal/eventbus"
	"naualerts/internal/httpapi"
	"naualerts/internal/pipeline"
	"naualerts/internal/render"
	rtsup "naualerts/internal/runtime/supervisor"
	"naualerts/internal/scheduler"
	"naualerts/internal/source"
	"naualerts/internal/storage"
	kit "naualerts/internal/transport"
	telegram "naualerts/internal/transport/telegram/adapter"
	"naualerts/internal/weeks"
	logx "naualerts/pkg/logx"
)

type Options struct {
	ConfigPath string
	// LogLevel overrides logging.level, including on reload.
	LogLevel string
	// Version is reported to Sentry as the release.
	Version string
}

type App struct {
	opts Options
	cfgm *config.Manager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	health *eventbus.Health
	store  storage.Store

	adapter *telegram.Adapter
	disp    *dispatch.Service
	render  *render.Renderer
	poller  *source.Poller
	pipe    *pipeline.Pipeline
	weeks   *weeks.Service
	sched   *scheduler.Service
	bot     *bot.Bot
	http    *httpapi.Server

	sources []sourceEntry
	botID   int64
	botName string

	updates chan kit.Update
}

type sourceEntry struct {
	src source.Source
	// every overrides poller.interval when non-zero.
	every time.Duration
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	cfg = withOverrides(cfg, opts)

	logs, root := logx.New(mapLogConfig(cfg, opts.Version))
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, root)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.AttachSender(ad)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	a, err := build(cfg, root, ad, store)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	a.opts = opts
	a.cfgm = cfgm
	a.logs = logs
	a.log = log
	log.Info("app configured",
		logx.String("storage", sc.Driver),
		logx.Int("sources", len(a.sources)),
		logx.Bool("http", a.http != nil),
		logx.Bool("weeks", cfg.Weeks.Enabled),
	)
	return a, nil
}

// Messenger is the transport surface build needs. *telegram.Adapter
// satisfies it; tests pass a fake.
type Messenger interface {
	bot.Messenger
	dispatch.Sender
	BotID() int64
	BotUsername() string
}

// build assembles the components that do not own external resources.
func build(cfg *config.Config, root logx.Logger, ad Messenger, store storage.Store) (*App, error) {
	dcfg, pcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	pollCfg, _, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	srcCfgs, err := mapSourceConfigs(cfg)
	if err != nil {
		return nil, err
	}
	r, err := render.New(mapRenderConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}

	bus := eventbus.New()
	disp := dispatch.New(dcfg, ad, store, bus, root)
	poller := source.NewPoller(pollCfg, root)
	pipe := pipeline.New(pcfg, poller, dedup.New(store, root), r, disp, store, bus, root)
	wk := weeks.New(store, disp, r, root)

	a := &App{
		cfg:     cfg,
		log:     root.With(logx.String("comp", "app")),
		bus:     bus,
		health:  eventbus.NewHealth(),
		store:   store,
		disp:    disp,
		render:  r,
		poller:  poller,
		pipe:    pipe,
		weeks:   wk,
		sched:   scheduler.New(mapSchedulerConfig(cfg), root),
		bot:     bot.New(mapBotConfig(cfg, ad.BotID(), ad.BotUsername()), ad, store, wk, r, root),
		botID:   ad.BotID(),
		botName: ad.BotUsername(),
		updates: make(chan kit.Update, 256),
	}
	if tad, ok := ad.(*telegram.Adapter); ok {
		a.adapter = tad
	}

	for _, sc := range srcCfgs {
		src, err := source.New(sc, store, root)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		a.sources = append(a.sources, sourceEntry{src: src, every: sc.Interval})
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.http = httpapi.New(hcfg, a.health, root)
		for _, e := range a.sources {
			if rc, ok := e.src.(httpapi.Receiver); ok {
				a.http.AddReceiver(rc)
			}
		}
	}
	return a, nil
}

func withOverrides(cfg *config.Config, opts Options) *config.Config {
	if strings.TrimSpace(opts.LogLevel) == "" || cfg == nil {
		return cfg
	}
	c := *cfg
	c.Logging.Level = opts.LogLevel
	return &c
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
	runCtx := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validateMapping(cfg)
		})
	}

	pctx, cancel := context.WithTimeout(runCtx, 5*time.Second)
	err := a.store.Ping(pctx)
	cancel()
	if err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}

	for _, e := range a.sources {
		lc, ok := e.src.(source.Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Start(runCtx); err != nil {
			return fmt.Errorf("source %s: %w", e.src.Name(), err)
		}
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		mctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		if err := a.adapter.UpdateMenuCommands(mctx, a.bot.MenuCommands()); err != nil {
			a.log.Warn("menu commands not updated", logx.Err(err))
		}
		cancel()
	}

	a.sup.Go("bot.updates", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})
	a.sup.Go("health", func(c context.Context) error {
		return a.health.Run(c, a.bus)
	})

	if err := a.registerJobs(a.cfg); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	if a.http != nil {
		a.http.AddSupervisor("app", a.sup.Snapshot)
		a.http.OnPush(a.pollNow)
		a.http.Start(runCtx)
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	notifyReady(a.log)
	a.log.Info("app started")
	return nil
}

// registerJobs adds one poll job per source and the weekly notice.
func (a *App) registerJobs(cfg *config.Config) error {
	every := defaultPollInterval
	weeksOn := false
	schedule := ""
	if cfg != nil {
		_, d, err := mapPollerConfig(cfg)
		if err != nil {
			return err
		}
		every = d
		weeksOn = cfg.Weeks.Enabled
		schedule = weeksSchedule(cfg)
	}

	for _, e := range a.sources {
		src := e.src
		d := every
		if e.every > 0 {
			d = e.every
		}
		if err := a.sched.Add(pollJob(src.Name()), "every:"+d.String(), 0, func(ctx context.Context) error {
			return a.cycle(ctx, src)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", src.Name(), err)
		}
	}

	if !weeksOn {
		a.sched.Remove(weeksJob)
		return nil
	}
	if err := a.sched.Add(weeksJob, schedule, weeksJobTimeout, func(ctx context.Context) error {
		rep, err := a.weeks.Broadcast(ctx)
		if err != nil {
			return err
		}
		a.log.Info("week notice sent", logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
		return nil
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", weeksJob, err)
	}
	return nil
}

func (a *App) cycle(ctx context.Context, src source.Source) error {
	res, err := a.pipe.Cycle(ctx, src)
	if errors.Is(err, pipeline.ErrBusy) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Delivered > 0 || res.Muted > 0 {
		a.log.Debug("cycle done",
			logx.String("source", res.Source),
			logx.Int("delivered", res.Delivered),
			logx.Int("muted", res.Muted),
		)
	}
	return nil
}

// pollNow runs the source's cycle right after a webhook push.
func (a *App) pollNow(name string) {
	if a.sup == nil {
		return
	}
	ctx := a.sup.Context()
	// Failures are logged by the scheduler; a skipped run leaves the push
	// buffered for the next tick.
	go func() { _, _ = a.sched.RunNow(ctx, pollJob(name)) }()
}
