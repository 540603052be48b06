package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a poll, group or instance does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPollHasInstances rejects deleting a poll that was already sent.
	ErrPollHasInstances = errors.New("poll has sent instances")
	// ErrGroupNotFound is the ErrNotFound reported for poll groups.
	ErrGroupNotFound = fmt.Errorf("group %w", ErrNotFound)
)

// Config configures storage.
//
// Driver values: "sqlite" (default) or "postgres".
type Config struct {
	Driver       string
	Path         string        // sqlite database file
	DSN          string        // postgres connection string
	BusyTimeout  time.Duration // sqlite; 0 means 5s
	MaxOpenConns int           // postgres; 0 means 10
}

// AnswerRow is a persisted answer of a poll definition.
type AnswerRow struct {
	ID       int64
	Text     string
	Position int
}
