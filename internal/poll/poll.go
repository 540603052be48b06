package poll

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Poll is a recurring poll definition.
type Poll struct {
	ID       uuid.UUID
	Cron     string
	Question string
	// Answers is the ordered display list. Duplicates are allowed.
	Answers     []string
	Multiselect bool
	// Guild and Channel are destination labels resolved at send time.
	Guild   string
	Channel string
	// Duration is how long the sent poll stays open, in seconds.
	Duration int
	Onetime  bool
	// Sent is set after a successful dispatch. For one-time polls it is
	// permanent and the poll is never selected again.
	Sent    bool
	GroupID *uuid.UUID
}

// Spec is the input of New. Zero ID means "generate one".
type Spec struct {
	ID          uuid.UUID
	Cron        string
	Question    string
	Answers     []string
	Multiselect bool
	Guild       string
	Channel     string
	Duration    int
	Onetime     bool
	GroupID     *uuid.UUID
}

// New validates s and builds a poll that has not been sent yet.
// Cron syntax is not checked here; see schedule.Matcher.Validate.
func New(s Spec) (Poll, error) {
	var problems []string
	if strings.TrimSpace(s.Cron) == "" {
		problems = append(problems, "cron is required")
	}
	if strings.TrimSpace(s.Question) == "" {
		problems = append(problems, "question is required")
	}
	if len(s.Answers) == 0 {
		problems = append(problems, "at least one answer is required")
	}
	for i, a := range s.Answers {
		if strings.TrimSpace(a) == "" {
			problems = append(problems, fmt.Sprintf("answer %d is empty", i))
		}
	}
	if strings.TrimSpace(s.Guild) == "" || strings.TrimSpace(s.Channel) == "" {
		problems = append(problems, "guild and channel are required")
	}
	if s.Duration < 0 {
		problems = append(problems, "duration must be >= 0")
	}
	if len(problems) > 0 {
		return Poll{}, fmt.Errorf("%w: %s", ErrInvalidPoll, strings.Join(problems, "; "))
	}

	id := s.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return Poll{
		ID:          id,
		Cron:        strings.TrimSpace(s.Cron),
		Question:    s.Question,
		Answers:     append([]string(nil), s.Answers...),
		Multiselect: s.Multiselect,
		Guild:       s.Guild,
		Channel:     s.Channel,
		Duration:    s.Duration,
		Onetime:     s.Onetime,
		GroupID:     s.GroupID,
	}, nil
}

// Exhausted reports whether the poll can never be dispatched again.
func (p Poll) Exhausted() bool { return p.Onetime && p.Sent }

// WithSent returns a copy of p with the sent flag set.
func (p Poll) WithSent(sent bool) Poll {
	p.Sent = sent
	return p
}

// Spec returns the editable fields of p.
func (p Poll) Spec() Spec {
	return Spec{
		ID:          p.ID,
		Cron:        p.Cron,
		Question:    p.Question,
		Answers:     append([]string(nil), p.Answers...),
		Multiselect: p.Multiselect,
		Guild:       p.Guild,
		Channel:     p.Channel,
		Duration:    p.Duration,
		Onetime:     p.Onetime,
		GroupID:     p.GroupID,
	}
}
