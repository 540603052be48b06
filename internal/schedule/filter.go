package schedule

import (
	"time"

	"github.com/google/uuid"

	"pollcron/internal/poll"
)

// Rejected is a poll skipped because its expression does not parse.
type Rejected struct {
	PollID uuid.UUID
	Err    error
}

// Due returns the polls to dispatch at now: exhausted one-time polls never,
// every other poll iff its cron expression matches now. Input order is kept
// and duplicates are not collapsed. A malformed expression only excludes
// its own poll.
func Due(m *Matcher, polls []poll.Poll, now time.Time) ([]poll.Poll, []Rejected) {
	var (
		due      []poll.Poll
		rejected []Rejected
	)
	for _, p := range polls {
		if p.Exhausted() {
			continue
		}
		ok, err := m.Matches(p.Cron, now)
		if err != nil {
			rejected = append(rejected, Rejected{PollID: p.ID, Err: err})
			continue
		}
		if ok {
			due = append(due, p)
		}
	}
	return due, rejected
}
