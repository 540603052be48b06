// Package transport defines the contracts between the engine and the
// messaging platform: sending polls, resolving destinations and delivering
// vote notifications.
package transport

import (
	"context"
	"errors"
	"time"

	"pollcron/internal/poll"
)

// ErrTransport wraps every failure reported by a messaging platform.
var ErrTransport = errors.New("transport failure")

// Destination is a resolved chat a poll can be sent to.
type Destination struct {
	Guild    string
	Channel  string
	ChatID   int64
	ThreadID int // forum topic, 0 for none
}

// PollRequest is one poll message. Answers never exceed poll.MaxAnswers.
type PollRequest struct {
	Question    string
	Answers     []string
	Multiselect bool
	Duration    time.Duration
}

// SentAnswer is an option of a sent poll with the id the platform will
// report votes against.
type SentAnswer struct {
	Text     string
	AnswerID int64
}

// SentPoll describes a poll message accepted by the platform.
type SentPoll struct {
	InstanceID string
	SentAt     time.Time
	Answers    []SentAnswer
}

// PollSender sends one poll message.
type PollSender interface {
	SendPoll(ctx context.Context, to Destination, req PollRequest) (SentPoll, error)
}

// Directory lists the destinations matching a (guild, channel) pair.
type Directory interface {
	Lookup(guild, channel string) []Destination
}

// VoteEvent is a single vote change reported by the platform.
type VoteEvent struct {
	Kind       poll.VoteKind
	InstanceID string
	AnswerID   int64
	// Voter is informational only.
	Voter int64
	At    time.Time
}

// VoteSink accepts vote events in arrival order.
type VoteSink interface {
	Submit(ctx context.Context, ev VoteEvent) error
}
