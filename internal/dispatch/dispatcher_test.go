package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/eventbus"
	"pollcron/internal/poll"
	"pollcron/internal/schedule"
	"pollcron/internal/transport"
	"pollcron/internal/transport/directory"
)

type fakeStore struct {
	mu        sync.Mutex
	polls     []poll.Poll
	instances []poll.Instance
	listErr   error
	markErr   error
	marks     int
}

func (s *fakeStore) List(context.Context) ([]poll.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]poll.Poll(nil), s.polls...), nil
}

func (s *fakeStore) MarkSent(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks++
	if s.markErr != nil {
		return s.markErr
	}
	for i := range s.polls {
		if s.polls[i].ID == id {
			s.polls[i].Sent = true
			return nil
		}
	}
	return errors.New("not found")
}

func (s *fakeStore) Save(_ context.Context, in poll.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = append(s.instances, in)
	return nil
}

func (s *fakeStore) sent(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.polls {
		if p.ID == id {
			return p.Sent
		}
	}
	return false
}

type fakeSender struct {
	mu   sync.Mutex
	reqs []transport.PollRequest
	fail int // fail the next n sends
	// failSize fails every request carrying exactly this many answers.
	failSize int
	clock    time.Time
}

func (f *fakeSender) SendPoll(_ context.Context, to transport.Destination, req transport.PollRequest) (transport.SentPoll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return transport.SentPoll{}, fmt.Errorf("boom: %w", transport.ErrTransport)
	}
	if f.failSize > 0 && len(req.Answers) == f.failSize {
		return transport.SentPoll{}, fmt.Errorf("rejected: %w", transport.ErrTransport)
	}
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	sp := transport.SentPoll{
		InstanceID: fmt.Sprintf("msg-%d", n),
		// Each message gets its own clock reading.
		SentAt: f.clock.Add(time.Duration(n) * time.Second),
	}
	for i, a := range req.Answers {
		sp.Answers = append(sp.Answers, transport.SentAnswer{Text: a, AnswerID: int64(i)})
	}
	return sp, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func answers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("a%d", i)
	}
	return out
}

func newPoll(cron string, onetime bool, n int) poll.Poll {
	return poll.Poll{
		ID: uuid.New(), Cron: cron, Question: "lunch?", Answers: answers(n),
		Guild: "g", Channel: "general", Duration: 60, Onetime: onetime,
	}
}

func newDispatcher(store *fakeStore, sender *fakeSender, dests ...transport.Destination) *Dispatcher {
	if len(dests) == 0 {
		dests = []transport.Destination{{Guild: "g", Channel: "general", ChatID: 1}}
	}
	return New(Config{Location: time.UTC}, store, store, sender, directory.New(dests), schedule.NewMatcher())
}

func TestTickSplitsLargePoll(t *testing.T) {
	t.Parallel()

	p := newPoll("0 9 * * *", false, 25)
	store := &fakeStore{polls: []poll.Poll{p}}
	sender := &fakeSender{clock: t0}
	d := newDispatcher(store, sender)

	rep := d.Tick(context.Background(), t0)
	if rep.Dispatched != 1 || rep.Instances != 3 {
		t.Fatalf("report: %+v", rep)
	}
	if len(sender.reqs) != 3 {
		t.Fatalf("sends: got %d, want 3", len(sender.reqs))
	}
	for i, want := range []int{10, 10, 5} {
		if got := len(sender.reqs[i].Answers); got != want {
			t.Fatalf("batch %d: got %d answers, want %d", i, got, want)
		}
		if sender.reqs[i].Duration != time.Minute {
			t.Fatalf("batch %d: duration %s", i, sender.reqs[i].Duration)
		}
	}
	if len(store.instances) != 3 {
		t.Fatalf("instances: got %d, want 3", len(store.instances))
	}
	first := store.instances[0].SentAt
	for i, in := range store.instances {
		if !in.SentAt.Equal(first) {
			t.Fatalf("instance %d: sent_at %s, want %s", i, in.SentAt, first)
		}
		if in.PollID != p.ID {
			t.Fatalf("instance %d: poll id %s", i, in.PollID)
		}
		for _, a := range in.Answers {
			if a.Votes != 0 {
				t.Fatalf("instance %d: fresh answer has %d votes", i, a.Votes)
			}
		}
	}
	if !store.sent(p.ID) {
		t.Fatal("poll not marked sent")
	}
}

func TestTickNotDue(t *testing.T) {
	t.Parallel()

	store := &fakeStore{polls: []poll.Poll{newPoll("0 10 * * *", false, 2)}}
	sender := &fakeSender{clock: t0}
	d := newDispatcher(store, sender)

	if rep := d.Tick(context.Background(), t0); rep.Due != 0 || sender.count() != 0 {
		t.Fatalf("unexpected dispatch: %+v", rep)
	}
}

func TestTickRetriesWhenDueAgain(t *testing.T) {
	t.Parallel()

	p := newPoll("* * * * *", true, 3)
	store := &fakeStore{polls: []poll.Poll{p}}
	sender := &fakeSender{clock: t0, fail: 1}
	d := newDispatcher(store, sender)
	ch, unsubscribe := subscribe(d)
	defer unsubscribe()

	rep := d.Tick(context.Background(), t0)
	if rep.Failed != 1 || rep.Dispatched != 0 {
		t.Fatalf("first tick: %+v", rep)
	}
	if store.sent(p.ID) || len(store.instances) != 0 {
		t.Fatal("failed dispatch must leave no trace")
	}
	if e := <-ch; e.Type != eventbus.TopicPollDispatchFailed {
		t.Fatalf("event: %s", e.Type)
	}

	// The cron does not match again until the next minute.
	for i := 1; i < 60; i++ {
		if rep = d.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second)); rep.Due != 0 {
			t.Fatalf("tick +%ds: %+v", i, rep)
		}
	}
	rep = d.Tick(context.Background(), t0.Add(time.Minute))
	if rep.Dispatched != 1 {
		t.Fatalf("next minute: %+v", rep)
	}
	if !store.sent(p.ID) || len(store.instances) != 1 {
		t.Fatal("due tick did not dispatch")
	}
	if e := <-ch; e.Type != eventbus.TopicPollDispatched {
		t.Fatalf("event: %s", e.Type)
	}
}

func TestPartialFailureIsNotResentOffSchedule(t *testing.T) {
	t.Parallel()

	p := newPoll("0 9 * * *", false, 15)
	store := &fakeStore{polls: []poll.Poll{p}}
	sender := &fakeSender{clock: t0, failSize: 5}
	d := newDispatcher(store, sender)

	failed := 0
	for i := 0; i < 60; i++ {
		failed += d.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second)).Failed
	}
	if failed != 1 {
		t.Fatalf("failed dispatches: got %d, want 1", failed)
	}
	if sender.count() != 1 {
		t.Fatalf("first batch delivered %d times, want 1", sender.count())
	}
	if len(store.instances) != 1 || len(store.instances[0].Answers) != 10 {
		t.Fatalf("instances: %+v", store.instances)
	}
	if store.sent(p.ID) {
		t.Fatal("partially sent poll marked sent")
	}
}

func TestTickDestinationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		dests []transport.Destination
		want  error
	}{
		{"none", []transport.Destination{{Guild: "other", Channel: "general"}}, ErrNoDestination},
		{"ambiguous", []transport.Destination{
			{Guild: "g", Channel: "general", ChatID: 1},
			{Guild: "g", Channel: "general", ChatID: 2},
		}, ErrAmbiguousDestination},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newPoll("0 9 * * *", false, 2)
			store := &fakeStore{polls: []poll.Poll{p}}
			sender := &fakeSender{clock: t0}
			d := newDispatcher(store, sender, tt.dests...)

			if _, err := d.resolve(p); !errors.Is(err, tt.want) {
				t.Fatalf("resolve: got %v, want %v", err, tt.want)
			}
			rep := d.Tick(context.Background(), t0)
			if rep.Failed != 1 || sender.count() != 0 || store.sent(p.ID) {
				t.Fatalf("report: %+v sends=%d", rep, sender.count())
			}
		})
	}
}

func TestOnetimeDispatchedOnce(t *testing.T) {
	t.Parallel()

	p := newPoll("* * * * * *", true, 2)
	store := &fakeStore{polls: []poll.Poll{p}}
	sender := &fakeSender{clock: t0}
	d := newDispatcher(store, sender)

	d.Tick(context.Background(), t0)
	// A stall makes the next tick evaluate several matching seconds.
	d.Tick(context.Background(), t0.Add(5*time.Second))
	d.Tick(context.Background(), t0.Add(6*time.Second))
	if sender.count() != 1 {
		t.Fatalf("sends: got %d, want 1", sender.count())
	}
}

func TestCatchUpEvaluatesEachSecondOnce(t *testing.T) {
	t.Parallel()

	p := newPoll("* * * * * *", false, 1)
	store := &fakeStore{polls: []poll.Poll{p}}
	sender := &fakeSender{clock: t0}
	d := newDispatcher(store, sender)

	d.Tick(context.Background(), t0)
	rep := d.Tick(context.Background(), t0.Add(4*time.Second))
	if rep.Instants != 4 || rep.Dispatched != 4 {
		t.Fatalf("catch-up tick: %+v", rep)
	}
	// Same second again: nothing new to evaluate.
	if rep = d.Tick(context.Background(), t0.Add(4*time.Second+500*time.Millisecond)); rep.Instants != 0 {
		t.Fatalf("repeat tick: %+v", rep)
	}
	if sender.count() != 5 {
		t.Fatalf("sends: got %d, want 5", sender.count())
	}
}

func TestCatchUpIsBounded(t *testing.T) {
	t.Parallel()

	store := &fakeStore{polls: []poll.Poll{newPoll("0 0 1 1 *", false, 1)}}
	d := New(Config{Location: time.UTC, MaxCatchUp: 10 * time.Second}, store, store, &fakeSender{},
		directory.New(nil), nil)

	d.Tick(context.Background(), t0)
	if rep := d.Tick(context.Background(), t0.Add(time.Hour)); rep.Instants != 10 {
		t.Fatalf("instants: got %d, want 10", rep.Instants)
	}
}

func TestListFailureKeepsPosition(t *testing.T) {
	t.Parallel()

	p := newPoll("1 0 9 * * *", false, 1)
	store := &fakeStore{polls: []poll.Poll{p}}
	sender := &fakeSender{clock: t0}
	d := newDispatcher(store, sender)

	d.Tick(context.Background(), t0)
	store.mu.Lock()
	store.listErr = errors.New("db down")
	store.mu.Unlock()
	d.Tick(context.Background(), t0.Add(time.Second))

	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()
	rep := d.Tick(context.Background(), t0.Add(2*time.Second))
	if rep.Instants != 2 || rep.Dispatched != 1 {
		t.Fatalf("recovered tick: %+v", rep)
	}
}

func TestMarkSentFailureIsNotResent(t *testing.T) {
	t.Parallel()

	p := newPoll("* * * * * *", true, 1)
	store := &fakeStore{polls: []poll.Poll{p}, markErr: errors.New("locked")}
	sender := &fakeSender{clock: t0}
	d := newDispatcher(store, sender)

	d.Tick(context.Background(), t0)
	d.Tick(context.Background(), t0.Add(time.Second))
	if sender.count() != 1 {
		t.Fatalf("sends: got %d, want 1", sender.count())
	}

	store.mu.Lock()
	store.markErr = nil
	store.mu.Unlock()
	d.Tick(context.Background(), t0.Add(2*time.Second))
	if !store.sent(p.ID) || sender.count() != 1 {
		t.Fatalf("sent=%v sends=%d", store.sent(p.ID), sender.count())
	}
}

func TestGroupMemberSendsSingleMessage(t *testing.T) {
	t.Parallel()

	tmpl := newPoll("0 9 * * *", false, 25)
	g := poll.Split(tmpl, t0)
	store := &fakeStore{polls: g.Polls}
	sender := &fakeSender{clock: t0}
	d := newDispatcher(store, sender)

	rep := d.Tick(context.Background(), t0)
	if rep.Dispatched != 3 || rep.Instances != 3 {
		t.Fatalf("report: %+v", rep)
	}
	got := map[uuid.UUID]int{}
	for _, in := range store.instances {
		got[in.PollID]++
	}
	for _, m := range g.Polls {
		if got[m.ID] != 1 {
			t.Fatalf("member %s: %d instances", m.ID, got[m.ID])
		}
	}
}

func TestApplyChangesTimeouts(t *testing.T) {
	t.Parallel()

	d := New(Config{}, &fakeStore{}, &fakeStore{}, &fakeSender{}, directory.New(nil), nil)
	if got := d.config().SendTimeout; got != DefaultSendTimeout {
		t.Fatalf("default send timeout: %s", got)
	}
	d.Apply(Config{SendTimeout: time.Second, Interval: 5 * time.Second})
	cfg := d.config()
	if cfg.SendTimeout != time.Second || cfg.Interval != 5*time.Second || cfg.StoreTimeout != DefaultStoreTimeout {
		t.Fatalf("applied: %+v", cfg)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	d := New(Config{Interval: 10 * time.Millisecond, Location: time.UTC}, store, store, &fakeSender{},
		directory.New(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func subscribe(d *Dispatcher) (<-chan eventbus.Event, func()) {
	bus := eventbus.New()
	d.bus = bus
	return bus.Subscribe(8)
}
