package httpapi

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pollcron/internal/poll"
	"pollcron/internal/usecase"
)

type pollRequest struct {
	Cron        string     `json:"cron"`
	Question    string     `json:"question"`
	Answers     []string   `json:"answers"`
	Multiselect bool       `json:"multiselect"`
	Guild       string     `json:"guild"`
	Channel     string     `json:"channel"`
	Duration    int        `json:"duration"`
	Onetime     bool       `json:"onetime"`
	PollGroupID *uuid.UUID `json:"poll_group_id"`
}

func (r pollRequest) spec(id uuid.UUID) poll.Spec {
	return poll.Spec{
		ID:          id,
		Cron:        r.Cron,
		Question:    r.Question,
		Answers:     r.Answers,
		Multiselect: r.Multiselect,
		Guild:       r.Guild,
		Channel:     r.Channel,
		Duration:    r.Duration,
		Onetime:     r.Onetime,
		GroupID:     r.PollGroupID,
	}
}

type pollDTO struct {
	ID          uuid.UUID  `json:"id"`
	Cron        string     `json:"cron"`
	Question    string     `json:"question"`
	Answers     []string   `json:"answers"`
	Multiselect bool       `json:"multiselect"`
	Guild       string     `json:"guild"`
	Channel     string     `json:"channel"`
	Duration    int        `json:"duration"`
	Onetime     bool       `json:"onetime"`
	Sent        bool       `json:"sent"`
	PollGroupID *uuid.UUID `json:"poll_group_id"`
}

func toPollDTO(p poll.Poll) pollDTO {
	answers := p.Answers
	if answers == nil {
		answers = []string{}
	}
	return pollDTO{
		ID:          p.ID,
		Cron:        p.Cron,
		Question:    p.Question,
		Answers:     answers,
		Multiselect: p.Multiselect,
		Guild:       p.Guild,
		Channel:     p.Channel,
		Duration:    p.Duration,
		Onetime:     p.Onetime,
		Sent:        p.Sent,
		PollGroupID: p.GroupID,
	}
}

func toPollDTOs(ps []poll.Poll) []pollDTO {
	out := make([]pollDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPollDTO(p))
	}
	return out
}

type groupDTO struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt string    `json:"created_at"`
	Polls     []pollDTO `json:"polls"`
}

func toGroupDTO(g poll.Group) groupDTO {
	return groupDTO{ID: g.ID, CreatedAt: g.CreatedAt.UTC().Format(time.RFC3339), Polls: toPollDTOs(g.Polls)}
}

type answerDTO struct {
	ID     int64  `json:"id"`
	Answer string `json:"answer"`
	Votes  int    `json:"votes"`
}

func toAnswerDTOs(as []poll.InstanceAnswer) []answerDTO {
	out := make([]answerDTO, 0, len(as))
	for _, a := range as {
		out = append(out, answerDTO{ID: a.AnswerID, Answer: a.Text, Votes: a.Votes})
	}
	return out
}

type instanceDTO struct {
	ID      string      `json:"id"`
	PollID  uuid.UUID   `json:"poll_id"`
	SentAt  int64       `json:"sent_at"`
	Answers []answerDTO `json:"answers"`
}

func toInstanceDTO(in poll.Instance) instanceDTO {
	return instanceDTO{ID: in.ID, PollID: in.PollID, SentAt: in.SentAt.Unix(), Answers: toAnswerDTOs(in.Answers)}
}

type tallyRowDTO struct {
	Answer string          `json:"answer"`
	Votes  int             `json:"votes"`
	Share  decimal.Decimal `json:"share"`
}

type tallyDTO struct {
	Total   int           `json:"total"`
	Answers []tallyRowDTO `json:"answers"`
}

func toTallyDTO(t usecase.Tally) tallyDTO {
	out := tallyDTO{Total: t.Total, Answers: make([]tallyRowDTO, 0, len(t.Answers))}
	for _, r := range t.Answers {
		out.Answers = append(out.Answers, tallyRowDTO{Answer: r.Text, Votes: r.Votes, Share: r.Share})
	}
	return out
}

type errorBody struct {
	Error string `json:"error"`
}
