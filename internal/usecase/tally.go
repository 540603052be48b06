package usecase

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pollcron/internal/poll"
)

// TallyRow is the total for one answer label across instances.
type TallyRow struct {
	Text  string
	Votes int
	// Share is the percentage of all votes, rounded to two decimals.
	Share decimal.Decimal
}

type Tally struct {
	Total   int
	Answers []TallyRow
}

var hundred = decimal.NewFromInt(100)

// Summarize sums votes by label in first-seen order.
func Summarize(answers []poll.InstanceAnswer) Tally {
	var t Tally
	index := map[string]int{}
	for _, a := range answers {
		i, ok := index[a.Text]
		if !ok {
			i = len(t.Answers)
			index[a.Text] = i
			t.Answers = append(t.Answers, TallyRow{Text: a.Text})
		}
		t.Answers[i].Votes += a.Votes
		t.Total += a.Votes
	}
	for i := range t.Answers {
		t.Answers[i].Share = share(t.Answers[i].Votes, t.Total)
	}
	return t
}

func share(votes, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(votes)).Mul(hundred).DivRound(decimal.NewFromInt(int64(total)), 2)
}

func (s *Service) PollTally(ctx context.Context, pollID uuid.UUID) (Tally, error) {
	answers, err := s.InstanceAnswers(ctx, pollID)
	if err != nil {
		return Tally{}, err
	}
	return Summarize(answers), nil
}

func (s *Service) GroupTally(ctx context.Context, groupID uuid.UUID) (Tally, error) {
	answers, err := s.GroupAnswers(ctx, groupID)
	if err != nil {
		return Tally{}, err
	}
	return Summarize(answers), nil
}
