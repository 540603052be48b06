package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression wraps every parse failure.
var ErrInvalidExpression = errors.New("invalid cron expression")

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Matcher evaluates cron expressions against instants. Parsed expressions
// are cached; a Matcher is safe for concurrent use.
type Matcher struct {
	cache sync.Map // string -> cron.Schedule
}

func NewMatcher() *Matcher { return &Matcher{} }

// Validate reports whether expr parses.
func (m *Matcher) Validate(expr string) error {
	_, err := m.schedule(expr)
	return err
}

// Matches reports whether t, truncated to whole seconds, is an activation
// instant of expr.
func (m *Matcher) Matches(expr string, t time.Time) (bool, error) {
	sched, err := m.schedule(expr)
	if err != nil {
		return false, err
	}
	t = t.Truncate(time.Second)
	// Next is strictly after its argument, so stepping back one second
	// yields the first activation at or after t.
	return sched.Next(t.Add(-time.Second)).Equal(t), nil
}

// Next returns the first activation strictly after t, or the zero time if
// the expression never fires again.
func (m *Matcher) Next(expr string, t time.Time) (time.Time, error) {
	sched, err := m.schedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t), nil
}

func (m *Matcher) schedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if v, ok := m.cache.Load(expr); ok {
		return v.(cron.Schedule), nil
	}
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: %q is an interval, not a calendar schedule", ErrInvalidExpression, expr)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	m.cache.Store(expr, sched)
	return sched, nil
}
