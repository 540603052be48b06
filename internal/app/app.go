// Package app wires configuration, storage, the messaging adapter, the
// dispatcher, the vote coordinator and the HTTP API under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pollcron/internal/config"
	"pollcron/internal/dispatch"
	"pollcron/internal/eventbus"
	rtsup "pollcron/internal/runtime/supervisor"
	"pollcron/internal/schedule"
	"pollcron/internal/storage"
	"pollcron/internal/transport/directory"
	"pollcron/internal/transport/httpapi"
	"pollcron/internal/transport/telegram"
	"pollcron/internal/usecase"
	"pollcron/internal/votes"
	logx "pollcron/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB
	dir  *directory.Static
	svc  *usecase.Service

	adapter *telegram.Adapter // nil without a bot token
	disp    *dispatch.Dispatcher
	coord   *votes.Coordinator
	api     *httpapi.Server // nil when the API is disabled

	dispMu     sync.Mutex
	dispCancel context.CancelFunc
	dispDone   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		db:   db,
		dir:  directory.New(mapDestinations(cfg)),
	}
	if err := a.build(cfg, root); err != nil {
		_ = db.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	matcher := schedule.NewMatcher()
	a.svc = usecase.New(a.db.Polls(), a.db.Instances(), matcher, root.With(logx.String("comp", "usecase")))

	vc, err := mapVotesConfig(cfg)
	if err != nil {
		return err
	}
	a.coord = votes.New(vc, a.db.Instances(),
		votes.WithPolls(a.db.Polls()),
		votes.WithBus(a.bus),
		votes.WithLogger(root.With(logx.String("comp", "votes"))),
	)

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	if tc.Token != "" {
		ad, err := telegram.New(tc, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		ad.SetVoteSink(a.coord)
		ad.SetBallotStore(a.db.Ballots())
		for _, cmd := range botCommands(a.svc) {
			ad.Handle(cmd)
		}
		a.logs.AttachChatSink(ad)
		a.adapter = ad
	} else {
		a.log.Warn("telegram.token is empty; polls will not be dispatched")
	}

	dc, err := mapDispatcherConfig(cfg)
	if err != nil {
		return err
	}
	if a.adapter != nil {
		a.disp = dispatch.New(dc, a.db.Polls(), a.db.Instances(), a.adapter, a.dir, matcher,
			dispatch.WithBus(a.bus),
			dispatch.WithLogger(root.With(logx.String("comp", "dispatcher"))),
		)
	}

	if cfg.API.Enabled {
		ac, err := mapAPIConfig(cfg)
		if err != nil {
			return err
		}
		api := httpapi.New(a.svc, a.health, root.With(logx.String("comp", "api")))
		a.api = httpapi.NewServer(ac, api, root.With(logx.String("comp", "api")))
	}
	return nil
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

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.GoRestart("votes.coordinator", a.coord.Run,
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithFatalOnFinalError(true),
	)

	if dispatcherEnabled(a.cfgm.Get()) {
		a.startDispatcher(a.sup.Context())
	}

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Debug-level event log; components subscribe themselves for anything else.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
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
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("dispatcher", a.dispatcherRunning()),
		logx.Bool("api", a.api != nil),
		logx.Int("destinations", a.dir.Len()),
	)
	return nil
}

// applyConfig pushes the hot-reloadable parts of newCfg to the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.dir.Replace(mapDestinations(newCfg))

	if a.disp != nil {
		if dc, err := mapDispatcherConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dc)
		}
		was, want := a.dispatcherRunning(), dispatcherEnabled(newCfg)
		switch {
		case was && !want:
			a.log.Info("dispatcher disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.stopDispatcher(stopCtx)
			cancel()
		case !was && want:
			a.log.Info("dispatcher enabled via config")
			a.startDispatcher(ctx)
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// startDispatcher runs the dispatch loop under the app supervisor with its
// own cancel so config reloads can toggle it.
func (a *App) startDispatcher(parent context.Context) {
	if a.disp == nil {
		return
	}
	a.dispMu.Lock()
	defer a.dispMu.Unlock()
	if a.dispCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	a.dispCancel, a.dispDone = cancel, done
	a.sup.Go("dispatcher", func(c context.Context) error {
		defer close(done)
		stop := context.AfterFunc(c, cancel)
		defer stop()
		return a.disp.Run(ctx)
	})
}

func (a *App) stopDispatcher(ctx context.Context) {
	a.dispMu.Lock()
	cancel, done := a.dispCancel, a.dispDone
	a.dispCancel, a.dispDone = nil, nil
	a.dispMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *App) dispatcherRunning() bool {
	a.dispMu.Lock()
	defer a.dispMu.Unlock()
	return a.dispCancel != nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// The API goes first so no new edits arrive while loops unwind.
	a.step(ctx, "api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})

	// Canceling lets the coordinator drain its queue and the dispatcher
	// finish the instance it is persisting.
	a.sup.Cancel()
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.db.Close() })

	st := a.coord.Stats()
	a.log.Info("stopped",
		logx.Uint64("votes_applied", st.Applied),
		logx.Uint64("votes_dropped", st.Dropped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, max(time.Until(dl), 0))
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

// health backs GET /healthz.
func (a *App) health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := a.db.Ping(pctx)
	if err != nil {
		out["storage"] = "down"
	} else {
		out["storage"] = "ok"
	}

	st := a.coord.Stats()
	out["votes"] = map[string]any{
		"queued":  st.Queued,
		"parked":  st.Parked,
		"applied": st.Applied,
		"dropped": st.Dropped,
	}
	out["dispatcher"] = a.dispatcherRunning()
	out["destinations"] = a.dir.Len()
	if a.sup != nil {
		started, active := a.sup.Counters()
		out["goroutines"] = map[string]any{"started": started, "active": active}
	}
	if err != nil {
		return out, fmt.Errorf("storage: %w", err)
	}
	return out, nil
}
