package poll

import "errors"

var (
	// ErrEmptyAnswers means a vote targeted an instance with no answers.
	ErrEmptyAnswers = errors.New("poll instance has no answers")
	// ErrAnswerNotFound means no answer of the instance carries the voted id.
	ErrAnswerNotFound = errors.New("answer not found in poll instance")
	// ErrInvalidPoll wraps every validation failure of New.
	ErrInvalidPoll = errors.New("invalid poll")
)
