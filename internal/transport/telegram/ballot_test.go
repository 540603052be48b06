package telegram

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestBallotDiff(t *testing.T) {
	t.Parallel()

	b := newBallots(10)
	steps := []struct {
		options        []int
		removed, added []int
	}{
		{[]int{1}, nil, []int{1}},
		{[]int{1, 3}, nil, []int{3}},
		{[]int{3, 3, 0}, []int{1}, []int{0}},
		{nil, []int{0, 3}, nil},
		{[]int{2}, nil, []int{2}},
	}
	for i, s := range steps {
		removed, added, err := b.diff(context.Background(), "p", 7, s.options)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !reflect.DeepEqual(removed, s.removed) || !reflect.DeepEqual(added, s.added) {
			t.Fatalf("step %d: got -%v +%v, want -%v +%v", i, removed, added, s.removed, s.added)
		}
	}
}

func TestBallotsAreKeyedByPollAndVoter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBallots(10)
	b.diff(ctx, "p1", 1, []int{0})
	if _, added, _ := b.diff(ctx, "p1", 2, []int{0}); !reflect.DeepEqual(added, []int{0}) {
		t.Fatalf("other voter: added %v", added)
	}
	if _, added, _ := b.diff(ctx, "p2", 1, []int{0}); !reflect.DeepEqual(added, []int{0}) {
		t.Fatalf("other poll: added %v", added)
	}
	if removed, _, _ := b.diff(ctx, "p1", 1, nil); !reflect.DeepEqual(removed, []int{0}) {
		t.Fatalf("retract: removed %v", removed)
	}
	if b.len() != 2 {
		t.Fatalf("retracted ballot should be forgotten, len=%d", b.len())
	}
}

func TestBallotsEvictLeastRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBallots(2)
	b.diff(ctx, "p", 1, []int{0})
	b.diff(ctx, "p", 2, []int{0})
	b.diff(ctx, "p", 1, []int{0, 1}) // touch voter 1
	b.diff(ctx, "p", 3, []int{0})    // evicts voter 2

	if b.len() != 2 {
		t.Fatalf("len: got %d, want 2", b.len())
	}
	if removed, _, _ := b.diff(ctx, "p", 2, nil); removed != nil {
		t.Fatalf("evicted voter: removed %v", removed)
	}
	if removed, _, _ := b.diff(ctx, "p", 1, nil); !reflect.DeepEqual(removed, []int{0, 1}) {
		t.Fatalf("kept voter: removed %v", removed)
	}
}

type memBallots struct {
	mu   sync.Mutex
	data map[ballotKey][]int
	err  error
}

func newMemBallots() *memBallots { return &memBallots{data: map[ballotKey][]int{}} }

func (m *memBallots) Ballot(_ context.Context, instanceID string, voter int64) ([]int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	o, ok := m.data[ballotKey{poll: instanceID, voter: voter}]
	return o, ok, nil
}

func (m *memBallots) PutBallot(_ context.Context, instanceID string, voter int64, options []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	key := ballotKey{poll: instanceID, voter: voter}
	if len(options) == 0 {
		delete(m.data, key)
		return nil
	}
	m.data[key] = append([]int(nil), options...)
	return nil
}

func TestBallotsReadThroughStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemBallots()
	b := newBallots(1)
	b.setStore(store)
	b.diff(ctx, "p", 1, []int{0})
	b.diff(ctx, "p", 2, []int{1}) // evicts voter 1 from the cache

	removed, added, err := b.diff(ctx, "p", 1, []int{2})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !reflect.DeepEqual(removed, []int{0}) || !reflect.DeepEqual(added, []int{2}) {
		t.Fatalf("evicted voter: got -%v +%v", removed, added)
	}
	if removed, _, _ := b.diff(ctx, "p", 2, nil); !reflect.DeepEqual(removed, []int{1}) {
		t.Fatalf("retract: removed %v", removed)
	}
	if _, ok, _ := store.Ballot(ctx, "p", 2); ok {
		t.Fatal("retracted ballot still stored")
	}
}

func TestBallotsStoreFailureStillDiffs(t *testing.T) {
	t.Parallel()

	store := newMemBallots()
	store.err = errors.New("disk full")
	b := newBallots(10)
	b.setStore(store)

	removed, added, err := b.diff(context.Background(), "p", 1, []int{3})
	if err == nil {
		t.Fatal("expected store error")
	}
	if removed != nil || !reflect.DeepEqual(added, []int{3}) {
		t.Fatalf("got -%v +%v", removed, added)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); !reflect.DeepEqual(got, []string{"short"}) {
		t.Fatalf("short: %q", got)
	}
	got := splitText("aaaa\nbbbb\ncccc", 10)
	want := []string{"aaaa\nbbbb", "cccc"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lines: got %q, want %q", got, want)
	}
	got = splitText("abcdefghijkl", 5)
	want = []string{"abcde", "fghij", "kl"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("hard cut: got %q, want %q", got, want)
	}
}
