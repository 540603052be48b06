package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/poll"
	"pollcron/internal/transport/telegram"
	"pollcron/internal/usecase"
)

// pollQueries is the slice of the use-case service the bot commands read.
type pollQueries interface {
	ListPolls(ctx context.Context) ([]poll.Poll, error)
	GetPoll(ctx context.Context, id uuid.UUID) (poll.Poll, error)
	PollTally(ctx context.Context, pollID uuid.UUID) (usecase.Tally, error)
}

var errUsage = errors.New("usage: /tally <poll-id>")

func botCommands(q pollQueries) []telegram.Command {
	return []telegram.Command{
		{
			Name:        "polls",
			Description: "List scheduled polls",
			Timeout:     10 * time.Second,
			Handle:      listPollsCmd(q),
		},
		{
			Name:        "tally",
			Description: "Show vote totals of a poll",
			Timeout:     10 * time.Second,
			Handle:      tallyCmd(q),
		},
	}
}

func listPollsCmd(q pollQueries) telegram.HandlerFunc {
	return func(ctx context.Context, _ []string) (string, error) {
		ps, err := q.ListPolls(ctx)
		if err != nil {
			return "", err
		}
		if len(ps) == 0 {
			return "no polls", nil
		}
		var b strings.Builder
		for _, p := range ps {
			state := "recurring"
			if p.Onetime {
				state = "one-time"
				if p.Sent {
					state = "one-time, sent"
				}
			}
			fmt.Fprintf(&b, "%s\n  %q\n  %s @ %s/%s (%s)\n", p.ID, p.Question, p.Cron, p.Guild, p.Channel, state)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
}

func tallyCmd(q pollQueries) telegram.HandlerFunc {
	return func(ctx context.Context, args []string) (string, error) {
		if len(args) != 1 {
			return "", errUsage
		}
		id, err := uuid.Parse(strings.TrimSpace(args[0]))
		if err != nil {
			return "", errUsage
		}
		p, err := q.GetPoll(ctx, id)
		if err != nil {
			return "", err
		}
		t, err := q.PollTally(ctx, id)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s\ntotal: %d", p.Question, t.Total)
		for _, row := range t.Answers {
			fmt.Fprintf(&b, "\n%s: %d (%s%%)", row.Text, row.Votes, row.Share.StringFixed(2))
		}
		return b.String(), nil
	}
}
