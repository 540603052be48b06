package poll

import (
	"time"

	"github.com/google/uuid"
)

// Instance is one sent poll message. Its ID comes from the messaging
// transport. After creation only the vote counters change.
type Instance struct {
	ID      string
	SentAt  time.Time
	PollID  uuid.UUID
	Answers []InstanceAnswer
}

// InstanceAnswer is one option of a sent poll.
type InstanceAnswer struct {
	Text string
	// AnswerID is the transport's option id, unique within the instance.
	AnswerID int64
	Votes    int
}

// VoteKind distinguishes vote additions from removals.
type VoteKind int

const (
	VoteAdd VoteKind = iota + 1
	VoteRemove
)

func (k VoteKind) String() string {
	switch k {
	case VoteAdd:
		return "add"
	case VoteRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// AddVote increments the counter of answerID.
func (in *Instance) AddVote(answerID int64) error {
	a, err := in.answer(answerID)
	if err != nil {
		return err
	}
	a.Votes++
	return nil
}

// RemoveVote decrements the counter of answerID, never below zero.
func (in *Instance) RemoveVote(answerID int64) error {
	a, err := in.answer(answerID)
	if err != nil {
		return err
	}
	if a.Votes > 0 {
		a.Votes--
	}
	return nil
}

// Apply runs AddVote or RemoveVote according to kind.
func (in *Instance) Apply(kind VoteKind, answerID int64) error {
	if kind == VoteRemove {
		return in.RemoveVote(answerID)
	}
	return in.AddVote(answerID)
}

func (in *Instance) answer(answerID int64) (*InstanceAnswer, error) {
	if len(in.Answers) == 0 {
		return nil, ErrEmptyAnswers
	}
	for i := range in.Answers {
		if in.Answers[i].AnswerID == answerID {
			return &in.Answers[i], nil
		}
	}
	return nil, ErrAnswerNotFound
}

// TotalVotes sums every answer counter.
func (in Instance) TotalVotes() int {
	n := 0
	for _, a := range in.Answers {
		n += a.Votes
	}
	return n
}
