package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/eventbus"
	"pollcron/internal/poll"
	"pollcron/internal/schedule"
	"pollcron/internal/transport"
	logx "pollcron/pkg/logx"
)

// Dispatcher owns the scheduling loop. Run it once per process; Tick is
// exported for tests and manual triggers and is serialized with the loop.
type Dispatcher struct {
	polls     PollStore
	instances InstanceStore
	sender    transport.PollSender
	dir       transport.Directory
	matcher   *schedule.Matcher
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	tickMu sync.Mutex
	// guarded by tickMu
	last        time.Time              // last evaluated second
	markPending map[uuid.UUID]struct{} // sent, mark-sent not yet stored
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(cfg Config, polls PollStore, instances InstanceStore, sender transport.PollSender,
	dir transport.Directory, matcher *schedule.Matcher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		polls:       polls,
		instances:   instances,
		sender:      sender,
		dir:         dir,
		matcher:     matcher,
		log:         logx.Nop(),
		now:         time.Now,
		cfg:         cfg.withDefaults(),
		markPending: map[uuid.UUID]struct{}{},
	}
	for _, o := range opts {
		o(d)
	}
	if d.matcher == nil {
		d.matcher = schedule.NewMatcher()
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	return d
}

// Apply swaps the loop configuration; the next tick uses it.
func (d *Dispatcher) Apply(cfg Config) {
	d.cfgMu.Lock()
	d.cfg = cfg.withDefaults()
	d.cfgMu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Run ticks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", logx.Duration("interval", d.config().Interval))
	defer d.log.Info("dispatcher stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		r := d.Tick(ctx, d.now())
		if r.Due > 0 {
			d.log.Debug("dispatch tick",
				logx.Int("instants", r.Instants),
				logx.Int("due", r.Due),
				logx.Int("dispatched", r.Dispatched),
				logx.Int("failed", r.Failed),
			)
		}
		timer.Reset(d.config().Interval)
	}
}

// Tick evaluates every whole second after the previous tick up to now and
// dispatches what is due. A failed poll is tried again only when its
// schedule matches again.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) Report {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	cfg := d.config()
	now = now.In(cfg.Location).Truncate(time.Second)
	instants := d.instants(now, cfg.MaxCatchUp)

	var rep Report
	if len(instants) == 0 && len(d.markPending) == 0 {
		return rep
	}

	d.flushMarks(ctx, cfg)

	lctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	polls, err := d.polls.List(lctx)
	cancel()
	if err != nil {
		// last is not advanced: the next tick re-evaluates these seconds.
		d.log.Warn("list polls failed", logx.Err(err))
		return rep
	}
	if len(instants) > 0 {
		d.last = instants[len(instants)-1]
	}
	rep.Instants = len(instants)

	cands := d.candidates(polls, instants)
	rep.Due = len(cands)

	done := map[uuid.UUID]bool{}
	for _, p := range cands {
		if ctx.Err() != nil {
			break
		}
		if p.Onetime && done[p.ID] {
			continue
		}
		if _, pending := d.markPending[p.ID]; pending && p.Onetime {
			continue
		}

		ids, err := d.dispatch(ctx, cfg, p, now)
		rep.Instances += len(ids)
		if err != nil {
			rep.Failed++
			d.fail(p, err)
			continue
		}
		rep.Dispatched++
		done[p.ID] = true
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TopicPollDispatched, Data: Dispatched{PollID: p.ID, Instances: ids, SentAt: now}})
		}
	}
	return rep
}

// instants lists the seconds to evaluate. The first tick evaluates only
// now; later ticks resume after the last evaluated second.
func (d *Dispatcher) instants(now time.Time, maxCatchUp time.Duration) []time.Time {
	if d.last.IsZero() {
		return []time.Time{now}
	}
	if !now.After(d.last) {
		return nil
	}
	start := d.last.Add(time.Second)
	if gap := now.Sub(start); gap >= maxCatchUp {
		skipped := gap - maxCatchUp + time.Second
		start = now.Add(-maxCatchUp + time.Second)
		d.log.Warn("dispatcher fell behind; skipping seconds", logx.Duration("skipped", skipped))
	}
	out := make([]time.Time, 0, int(now.Sub(start)/time.Second)+1)
	for t := start; !t.After(now); t = t.Add(time.Second) {
		out = append(out, t)
	}
	return out
}

// candidates lists the polls due at each instant, in instant order. A
// recurring poll due at several caught-up instants appears once per instant.
func (d *Dispatcher) candidates(polls []poll.Poll, instants []time.Time) []poll.Poll {
	var out []poll.Poll
	reported := map[uuid.UUID]bool{}
	for _, t := range instants {
		due, rejected := schedule.Due(d.matcher, polls, t)
		for _, r := range rejected {
			if !reported[r.PollID] {
				reported[r.PollID] = true
				d.log.Warn("poll has an invalid schedule", logx.Stringer("poll", r.PollID), logx.Err(r.Err))
			}
		}
		out = append(out, due...)
	}
	return out
}

func (d *Dispatcher) fail(p poll.Poll, err error) {
	d.log.Warn("poll dispatch failed", logx.Stringer("poll", p.ID), logx.String("guild", p.Guild),
		logx.String("channel", p.Channel), logx.Err(err))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TopicPollDispatchFailed, Data: DispatchFailed{PollID: p.ID, Err: err.Error()}})
	}
}

// resolve picks the single destination matching the poll labels.
func (d *Dispatcher) resolve(p poll.Poll) (transport.Destination, error) {
	matches := d.dir.Lookup(p.Guild, p.Channel)
	switch len(matches) {
	case 0:
		return transport.Destination{}, fmt.Errorf("%s/%s: %w", p.Guild, p.Channel, ErrNoDestination)
	case 1:
		return matches[0], nil
	default:
		return transport.Destination{}, fmt.Errorf("%s/%s (%d matches): %w", p.Guild, p.Channel, len(matches), ErrAmbiguousDestination)
	}
}

// dispatch sends p in answer batches, stores one instance per sent batch and
// marks p sent. It returns the ids of the instances sent, even on failure.
func (d *Dispatcher) dispatch(ctx context.Context, cfg Config, p poll.Poll, now time.Time) ([]string, error) {
	dest, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	batches := poll.Batches(p.Answers)
	if len(batches) == 0 {
		return nil, fmt.Errorf("poll %s: %w", p.ID, poll.ErrEmptyAnswers)
	}

	var (
		sent    []transport.SentPoll
		sendErr error
	)
	for i, answers := range batches {
		if err := ctx.Err(); err != nil {
			sendErr = err
			break
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		sp, err := d.sender.SendPoll(sctx, dest, transport.PollRequest{
			Question:    p.Question,
			Answers:     answers,
			Multiselect: p.Multiselect,
			Duration:    time.Duration(p.Duration) * time.Second,
		})
		cancel()
		if err != nil {
			sendErr = fmt.Errorf("send batch %d/%d: %w", i+1, len(batches), err)
			break
		}
		sent = append(sent, sp)
	}

	// Persist what went out even when a later batch failed, so votes on
	// those messages are counted. Shutdown must not cut this short.
	ids := make([]string, 0, len(sent))
	var persistErr error
	if len(sent) > 0 {
		sentAt := sent[0].SentAt
		if sentAt.IsZero() {
			sentAt = now
		}
		for _, sp := range sent {
			ids = append(ids, sp.InstanceID)
			in := poll.Instance{ID: sp.InstanceID, SentAt: sentAt, PollID: p.ID}
			for _, a := range sp.Answers {
				in.Answers = append(in.Answers, poll.InstanceAnswer{Text: a.Text, AnswerID: a.AnswerID})
			}
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
			err := d.instances.Save(sctx, in)
			cancel()
			if err != nil {
				d.log.Error("instance not recorded; votes on it will be lost",
					logx.Stringer("poll", p.ID), logx.String("instance", sp.InstanceID), logx.Err(err))
				persistErr = errors.Join(persistErr, fmt.Errorf("save instance %s: %w", sp.InstanceID, err))
			}
		}
	}
	if err := errors.Join(sendErr, persistErr); err != nil {
		return ids, err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
	err = d.polls.MarkSent(sctx, p.ID)
	cancel()
	if err != nil {
		// The messages are out; retry only the flag so nothing is re-sent.
		d.markPending[p.ID] = struct{}{}
		d.log.Warn("mark sent failed; will retry", logx.Stringer("poll", p.ID), logx.Err(err))
	}
	d.log.Info("poll dispatched", logx.Stringer("poll", p.ID), logx.Int("messages", len(ids)),
		logx.String("guild", p.Guild), logx.String("channel", p.Channel))
	return ids, nil
}

// flushMarks retries sent flags that failed to store.
func (d *Dispatcher) flushMarks(ctx context.Context, cfg Config) {
	for id := range d.markPending {
		sctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err := d.polls.MarkSent(sctx, id)
		cancel()
		if err == nil {
			delete(d.markPending, id)
			continue
		}
		d.log.Warn("mark sent retry failed", logx.Stringer("poll", id), logx.Err(err))
	}
}
