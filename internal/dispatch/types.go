package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/poll"
)

var (
	// ErrNoDestination means no configured destination matches the poll labels.
	ErrNoDestination = errors.New("no destination matches poll")
	// ErrAmbiguousDestination means more than one destination matches.
	ErrAmbiguousDestination = errors.New("more than one destination matches poll")
)

// PollStore is the slice of storage the dispatcher reads and marks.
type PollStore interface {
	List(ctx context.Context) ([]poll.Poll, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
}

// InstanceStore records sent instances.
type InstanceStore interface {
	Save(ctx context.Context, in poll.Instance) error
}

// Config tunes the loop. Zero fields take the defaults below.
type Config struct {
	Interval     time.Duration
	SendTimeout  time.Duration
	StoreTimeout time.Duration
	// MaxCatchUp bounds how many past seconds one tick evaluates after a
	// stall.
	MaxCatchUp time.Duration
	Location   *time.Location
}

const (
	DefaultInterval     = time.Second
	DefaultSendTimeout  = 10 * time.Second
	DefaultStoreTimeout = 5 * time.Second
	DefaultMaxCatchUp   = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.MaxCatchUp < time.Second {
		c.MaxCatchUp = DefaultMaxCatchUp
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Report summarizes one tick.
type Report struct {
	Instants   int // seconds evaluated
	Due        int // polls due across the evaluated seconds
	Dispatched int
	Failed     int
	Instances  int // poll messages sent
}

// Dispatched is published on the event bus after a poll is marked sent.
type Dispatched struct {
	PollID    uuid.UUID
	Instances []string
	SentAt    time.Time
}

// DispatchFailed is published when a poll could not be dispatched.
type DispatchFailed struct {
	PollID uuid.UUID
	Err    string
}
