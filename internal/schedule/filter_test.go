package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/poll"
)

func mkPoll(cron string, onetime, sent bool) poll.Poll {
	return poll.Poll{ID: uuid.New(), Cron: cron, Question: "q", Answers: []string{"a"}, Onetime: onetime, Sent: sent}
}

func TestDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	matching := mkPoll("0 9 * * *", false, false)
	notMatching := mkPoll("0 10 * * *", false, false)
	sentOnetime := mkPoll("0 9 * * *", true, true)
	unsentOnetime := mkPoll("0 9 * * *", true, false)
	sentRecurring := mkPoll("0 9 * * *", false, true)
	broken := mkPoll("not a cron", false, false)

	due, rejected := Due(NewMatcher(), []poll.Poll{
		matching, notMatching, sentOnetime, broken, unsentOnetime, sentRecurring, matching,
	}, now)

	wantIDs := []uuid.UUID{matching.ID, unsentOnetime.ID, sentRecurring.ID, matching.ID}
	if len(due) != len(wantIDs) {
		t.Fatalf("due: got %d polls, want %d", len(due), len(wantIDs))
	}
	for i, id := range wantIDs {
		if due[i].ID != id {
			t.Fatalf("due[%d]: got %s, want %s", i, due[i].ID, id)
		}
	}
	if len(rejected) != 1 || rejected[0].PollID != broken.ID || !errors.Is(rejected[0].Err, ErrInvalidExpression) {
		t.Fatalf("rejected: %+v", rejected)
	}
}

func TestDueNeverSelectsExhaustedPoll(t *testing.T) {
	t.Parallel()

	p := mkPoll("* * * * * *", true, true)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMatcher()
	for i := 0; i < 120; i++ {
		if due, _ := Due(m, []poll.Poll{p}, start.Add(time.Duration(i)*time.Second)); len(due) != 0 {
			t.Fatalf("exhausted poll selected at +%ds", i)
		}
	}
}
