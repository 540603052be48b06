package votes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/eventbus"
	"pollcron/internal/poll"
	"pollcron/internal/storage"
	"pollcron/internal/transport"
	logx "pollcron/pkg/logx"
)

// ErrStopped is returned by Submit once the coordinator loop has shut down.
var ErrStopped = errors.New("vote coordinator stopped")

type InstanceStore interface {
	Get(ctx context.Context, id string) (poll.Instance, error)
	Save(ctx context.Context, in poll.Instance) error
}

// PollLookup resolves the poll an instance belongs to. It only enriches logs.
type PollLookup interface {
	Get(ctx context.Context, id uuid.UUID) (poll.Poll, error)
}

type Config struct {
	QueueSize    int
	ApplyTimeout time.Duration
	// RetryMax is how many times a parked instance is retried before its
	// events are dropped.
	RetryMax  int
	RetryBase time.Duration
}

const (
	DefaultQueueSize    = 1024
	DefaultApplyTimeout = 5 * time.Second
	DefaultRetryMax     = 5
	DefaultRetryBase    = 200 * time.Millisecond

	maxRetryDelay = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	return c
}

// Applied is published after a vote changed a stored counter.
type Applied struct {
	Event transport.VoteEvent
	Votes int // counter after the change
}

// Dropped is published when a vote is discarded.
type Dropped struct {
	Event  transport.VoteEvent
	Reason string
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Queued  int
	Parked  int64
	Applied uint64
	Dropped uint64
}

// parked holds the events of an instance that could not be applied yet,
// in arrival order.
type parked struct {
	events   []transport.VoteEvent
	attempts int
}

type Coordinator struct {
	cfg       Config
	instances InstanceStore
	polls     PollLookup
	bus       eventbus.Bus
	log       logx.Logger

	queue   chan transport.VoteEvent
	retry   chan string
	stopped chan struct{}
	once    sync.Once

	// consumer-owned
	parked map[string]*parked

	nParked  atomic.Int64
	nApplied atomic.Uint64
	nDropped atomic.Uint64
}

type Option func(*Coordinator)

func WithPolls(p PollLookup) Option   { return func(c *Coordinator) { c.polls = p } }
func WithBus(b eventbus.Bus) Option   { return func(c *Coordinator) { c.bus = b } }
func WithLogger(l logx.Logger) Option { return func(c *Coordinator) { c.log = l } }

func New(cfg Config, instances InstanceStore, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:       cfg,
		instances: instances,
		log:       logx.Nop(),
		queue:     make(chan transport.VoteEvent, cfg.QueueSize),
		retry:     make(chan string),
		stopped:   make(chan struct{}),
		parked:    map[string]*parked{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

// Submit enqueues ev. It blocks while the queue is full.
func (c *Coordinator) Submit(ctx context.Context, ev transport.VoteEvent) error {
	select {
	case <-c.stopped:
		return ErrStopped
	default:
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case c.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Queued:  len(c.queue),
		Parked:  c.nParked.Load(),
		Applied: c.nApplied.Load(),
		Dropped: c.nDropped.Load(),
	}
}

// Run consumes the queue until ctx is done, then applies what is already
// buffered and returns. Only one Run may be active at a time. A Run that
// ends any other way, such as a panic, leaves the queue open so a restarted
// Run picks up where it left off.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("vote coordinator started", logx.Int("queue", c.cfg.QueueSize))

	// Timers of an interrupted run may never have reached resume.
	for id, p := range c.parked {
		c.schedule(ctx, id, p.attempts)
	}

	for {
		select {
		case <-ctx.Done():
			c.drain(ctx)
			c.once.Do(func() { close(c.stopped) })
			return nil
		case ev := <-c.queue:
			c.handle(ctx, ev)
		case id := <-c.retry:
			c.resume(ctx, id)
		}
	}
}

func (c *Coordinator) drain(ctx context.Context) {
	for {
		select {
		case ev := <-c.queue:
			c.handle(ctx, ev)
		default:
			n := 0
			for _, p := range c.parked {
				n += len(p.events)
			}
			if n > 0 {
				c.log.Warn("dropping parked votes on shutdown", logx.Int("events", n), logx.Int("instances", len(c.parked)))
				c.nDropped.Add(uint64(n))
			}
			c.log.Info("vote coordinator stopped", logx.Uint64("applied", c.nApplied.Load()), logx.Uint64("dropped", c.nDropped.Load()))
			return
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev transport.VoteEvent) {
	if p, ok := c.parked[ev.InstanceID]; ok {
		p.events = append(p.events, ev)
		return
	}
	err := c.apply(ctx, ev)
	if err == nil || !c.retryable(ctx, ev, err) {
		return
	}
	c.parked[ev.InstanceID] = &parked{events: []transport.VoteEvent{ev}}
	c.nParked.Add(1)
	c.log.Debug("vote parked", logx.String("instance", ev.InstanceID), logx.Err(err))
	c.schedule(ctx, ev.InstanceID, 0)
}

// resume retries the parked events of one instance in order.
func (c *Coordinator) resume(ctx context.Context, id string) {
	p, ok := c.parked[id]
	if !ok {
		return
	}
	for len(p.events) > 0 {
		ev := p.events[0]
		err := c.apply(ctx, ev)
		if err != nil && c.retryable(ctx, ev, err) {
			p.attempts++
			if p.attempts >= c.cfg.RetryMax {
				c.log.Warn("dropping votes for unknown instance",
					logx.String("instance", id), logx.Int("events", len(p.events)), logx.Int("attempts", p.attempts), logx.Err(err))
				for _, ev := range p.events {
					c.dropped(ev, err.Error())
				}
				break
			}
			c.schedule(ctx, id, p.attempts)
			return
		}
		p.events = p.events[1:]
	}
	delete(c.parked, id)
	c.nParked.Add(-1)
}

func (c *Coordinator) schedule(ctx context.Context, id string, attempt int) {
	delay := min(c.cfg.RetryBase<<attempt, maxRetryDelay)
	time.AfterFunc(delay, func() {
		select {
		case c.retry <- id:
		case <-ctx.Done():
		}
	})
}

// retryable reports whether ev should be parked after err. Permanent
// failures are logged and dropped here.
func (c *Coordinator) retryable(ctx context.Context, ev transport.VoteEvent, err error) bool {
	switch {
	case errors.Is(err, poll.ErrAnswerNotFound), errors.Is(err, poll.ErrEmptyAnswers):
		c.log.Warn("vote dropped", logx.String("instance", ev.InstanceID), logx.Int64("answer", ev.AnswerID),
			logx.Stringer("kind", ev.Kind), logx.Err(err))
		c.dropped(ev, err.Error())
		return false
	case ctx.Err() != nil && !errors.Is(err, storage.ErrNotFound):
		c.log.Warn("vote dropped on shutdown", logx.String("instance", ev.InstanceID), logx.Err(err))
		c.dropped(ev, err.Error())
		return false
	}
	return true
}

func (c *Coordinator) dropped(ev transport.VoteEvent, reason string) {
	c.nDropped.Add(1)
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TopicVoteDropped, Data: Dropped{Event: ev, Reason: reason}})
	}
}

// apply loads the instance, mutates one counter and stores it. Store calls
// outlive ctx so a shutdown never interrupts a write.
func (c *Coordinator) apply(ctx context.Context, ev transport.VoteEvent) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ApplyTimeout)
	defer cancel()

	in, err := c.instances.Get(actx, ev.InstanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", ev.InstanceID, err)
	}
	if err := in.Apply(ev.Kind, ev.AnswerID); err != nil {
		return fmt.Errorf("instance %s: %w", ev.InstanceID, err)
	}
	if err := c.instances.Save(actx, in); err != nil {
		return fmt.Errorf("save instance %s: %w", ev.InstanceID, err)
	}

	votes := 0
	for _, a := range in.Answers {
		if a.AnswerID == ev.AnswerID {
			votes = a.Votes
			break
		}
	}
	c.nApplied.Add(1)
	if c.log.Enabled(logx.LevelDebug) {
		fields := []logx.Field{
			logx.String("instance", ev.InstanceID), logx.Stringer("kind", ev.Kind),
			logx.Int64("answer", ev.AnswerID), logx.Int("votes", votes),
		}
		if c.polls != nil {
			if p, err := c.polls.Get(actx, in.PollID); err == nil {
				fields = append(fields, logx.String("question", p.Question))
			}
		}
		c.log.Debug("vote applied", fields...)
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TopicVoteApplied, Data: Applied{Event: ev, Votes: votes}})
	}
	return nil
}
