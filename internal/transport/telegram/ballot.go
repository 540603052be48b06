package telegram

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Telegram reports a voter's whole current selection on every change, not
// the option that changed. ballots remembers the last selection per
// (poll, voter) so it can be turned into add/remove steps.
type ballotKey struct {
	poll  string
	voter int64
}

type ballotEntry struct {
	key     ballotKey
	options []int
}

// BallotStore persists selections so diffs survive restarts and cache
// evictions. An empty selection deletes the stored one.
type BallotStore interface {
	Ballot(ctx context.Context, instanceID string, voter int64) (options []int, ok bool, err error)
	PutBallot(ctx context.Context, instanceID string, voter int64, options []int) error
}

// ballots is a bounded LRU, read-through over an optional BallotStore.
// Without a store an evicted voter's next retraction yields no removals.
type ballots struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[ballotKey]*list.Element
	store BallotStore
}

const defaultBallotCacheSize = 10000

func newBallots(size int) *ballots {
	if size <= 0 {
		size = defaultBallotCacheSize
	}
	return &ballots{max: size, ll: list.New(), items: map[ballotKey]*list.Element{}}
}

func (b *ballots) setStore(s BallotStore) {
	b.mu.Lock()
	b.store = s
	b.mu.Unlock()
}

// diff stores options as the current selection and returns the options
// removed from and added to the previous one, each sorted ascending. A
// store failure is returned but the diff is still computed from what is
// known.
func (b *ballots) diff(ctx context.Context, pollID string, voter int64, options []int) (removed, added []int, err error) {
	cur := normalize(options)
	key := ballotKey{poll: pollID, voter: voter}

	b.mu.Lock()
	defer b.mu.Unlock()

	prev, cached := b.get(key)
	if !cached && b.store != nil {
		stored, _, lerr := b.store.Ballot(ctx, pollID, voter)
		if lerr != nil {
			err = fmt.Errorf("load ballot: %w", lerr)
		}
		prev = normalize(stored)
	}
	b.set(key, cur)
	if b.store != nil && (err != nil || !slices.Equal(prev, cur)) {
		if perr := b.store.PutBallot(ctx, pollID, voter, cur); perr != nil {
			err = errors.Join(err, fmt.Errorf("store ballot: %w", perr))
		}
	}

	for _, o := range prev {
		if _, found := slices.BinarySearch(cur, o); !found {
			removed = append(removed, o)
		}
	}
	for _, o := range cur {
		if _, found := slices.BinarySearch(prev, o); !found {
			added = append(added, o)
		}
	}
	return removed, added, err
}

func (b *ballots) get(key ballotKey) ([]int, bool) {
	el, ok := b.items[key]
	if !ok {
		return nil, false
	}
	b.ll.MoveToFront(el)
	return el.Value.(*ballotEntry).options, true
}

// set caches options; an empty selection is forgotten.
func (b *ballots) set(key ballotKey, options []int) {
	el, ok := b.items[key]
	switch {
	case len(options) == 0:
		if ok {
			b.ll.Remove(el)
			delete(b.items, key)
		}
	case ok:
		el.Value.(*ballotEntry).options = options
		b.ll.MoveToFront(el)
	default:
		b.items[key] = b.ll.PushFront(&ballotEntry{key: key, options: options})
		for b.ll.Len() > b.max {
			last := b.ll.Back()
			b.ll.Remove(last)
			delete(b.items, last.Value.(*ballotEntry).key)
		}
	}
}

func (b *ballots) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ll.Len()
}

// normalize returns the sorted distinct non-negative options.
func normalize(options []int) []int {
	out := make([]int, 0, len(options))
	for _, o := range options {
		if o >= 0 {
			out = append(out, o)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
