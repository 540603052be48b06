package poll

import (
	"time"

	"github.com/google/uuid"
)

// Group ties together the polls produced by splitting one oversized poll.
// Members share question, schedule and destination; their answers
// partition the original answer set in batches of at most MaxAnswers.
type Group struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Polls     []Poll
}

// Split builds a group from one poll template. Each member gets a fresh id,
// the group id and the next batch of answers. Members are not sent.
//
// Member ids are time-ordered (UUIDv7) so listing members by id yields
// batch order.
func Split(template Poll, now time.Time) Group {
	g := Group{ID: uuid.New(), CreatedAt: now.UTC().Truncate(time.Second)}
	for _, batch := range Batches(template.Answers) {
		m := template
		m.ID = uuid.Must(uuid.NewV7())
		m.Answers = batch
		m.Sent = false
		gid := g.ID
		m.GroupID = &gid
		g.Polls = append(g.Polls, m)
	}
	return g
}

// Answers returns every member answer in member order.
func (g Group) Answers() []string {
	var out []string
	for _, p := range g.Polls {
		out = append(out, p.Answers...)
	}
	return out
}
