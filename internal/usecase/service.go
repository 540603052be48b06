// Package usecase composes the poll and instance stores into the operations
// exposed to operators. The stores never reference each other; every
// cross-store rule lives here.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/poll"
	"pollcron/internal/schedule"
	"pollcron/internal/storage"
	logx "pollcron/pkg/logx"
)

type PollStore interface {
	Get(ctx context.Context, id uuid.UUID) (poll.Poll, error)
	List(ctx context.Context) ([]poll.Poll, error)
	Upsert(ctx context.Context, p poll.Poll) error
	Delete(ctx context.Context, id uuid.UUID) error
	CreateGroup(ctx context.Context, g poll.Group) error
	UpdateGroup(ctx context.Context, g poll.Group, drop ...uuid.UUID) error
	GroupExists(ctx context.Context, id uuid.UUID) (bool, error)
	GetGroup(ctx context.Context, id uuid.UUID) (poll.Group, error)
	ListGroups(ctx context.Context) ([]poll.Group, error)
}

type InstanceStore interface {
	Get(ctx context.Context, id string) (poll.Instance, error)
	ListByPoll(ctx context.Context, pollID uuid.UUID) ([]poll.Instance, error)
	FindAnswersByPoll(ctx context.Context, pollID uuid.UUID) ([]poll.InstanceAnswer, error)
	FindAnswersByGroup(ctx context.Context, groupID uuid.UUID) ([]poll.InstanceAnswer, error)
}

type Service struct {
	polls     PollStore
	instances InstanceStore
	matcher   *schedule.Matcher
	log       logx.Logger
	now       func() time.Time
}

func New(polls PollStore, instances InstanceStore, matcher *schedule.Matcher, log logx.Logger) *Service {
	if matcher == nil {
		matcher = schedule.NewMatcher()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{polls: polls, instances: instances, matcher: matcher, log: log, now: time.Now}
}

// ---- polls ----

func (s *Service) GetPoll(ctx context.Context, id uuid.UUID) (poll.Poll, error) {
	return s.polls.Get(ctx, id)
}

func (s *Service) ListPolls(ctx context.Context) ([]poll.Poll, error) {
	return s.polls.List(ctx)
}

// build validates spec, including its cron expression.
func (s *Service) build(spec poll.Spec) (poll.Poll, error) {
	p, err := poll.New(spec)
	if err != nil {
		return poll.Poll{}, err
	}
	if err := s.matcher.Validate(p.Cron); err != nil {
		return poll.Poll{}, err
	}
	return p, nil
}

// SavePoll creates the poll or replaces the editable fields of an existing
// one. The stored sent flag survives an edit: a one-time poll that already
// went out stays exhausted.
func (s *Service) SavePoll(ctx context.Context, spec poll.Spec) (poll.Poll, error) {
	p, err := s.build(spec)
	if err != nil {
		return poll.Poll{}, err
	}

	created := true
	if spec.ID != uuid.Nil {
		cur, err := s.polls.Get(ctx, spec.ID)
		switch {
		case err == nil:
			created = false
			p.Sent = cur.Sent
		case !errors.Is(err, storage.ErrNotFound):
			return poll.Poll{}, err
		}
	}
	if p.GroupID != nil {
		ok, err := s.polls.GroupExists(ctx, *p.GroupID)
		if err != nil {
			return poll.Poll{}, err
		}
		if !ok {
			return poll.Poll{}, fmt.Errorf("%s: %w", *p.GroupID, storage.ErrGroupNotFound)
		}
	}

	if err := s.polls.Upsert(ctx, p); err != nil {
		return poll.Poll{}, err
	}
	s.log.Info("poll saved", logx.Stringer("poll", p.ID), logx.Bool("created", created),
		logx.String("cron", p.Cron), logx.Int("answers", len(p.Answers)))
	return p, nil
}

// DeletePoll removes a poll that was never sent. A sent poll is kept so
// its instances stay countable.
func (s *Service) DeletePoll(ctx context.Context, id uuid.UUID) error {
	if err := s.polls.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("poll deleted", logx.Stringer("poll", id))
	return nil
}

// ---- groups ----

func (s *Service) ListGroups(ctx context.Context) ([]poll.Group, error) {
	return s.polls.ListGroups(ctx)
}

func (s *Service) GetGroup(ctx context.Context, id uuid.UUID) (poll.Group, error) {
	return s.polls.GetGroup(ctx, id)
}

// CreateGroup splits spec into member polls of at most poll.MaxAnswers
// answers each and stores them under a new group.
func (s *Service) CreateGroup(ctx context.Context, spec poll.Spec) (poll.Group, error) {
	spec.ID = uuid.Nil
	spec.GroupID = nil
	tmpl, err := s.build(spec)
	if err != nil {
		return poll.Group{}, err
	}
	g := poll.Split(tmpl, s.now())
	if err := s.polls.CreateGroup(ctx, g); err != nil {
		return poll.Group{}, err
	}
	s.log.Info("poll group created", logx.Stringer("group", g.ID), logx.Int("members", len(g.Polls)),
		logx.Int("answers", len(spec.Answers)))
	return g, nil
}

// UpdateGroup re-splits spec over the existing members. Members keep their
// ids and sent flags in order; extra batches become new members and surplus
// members are deleted, which fails if they were already sent. The update is
// all or nothing.
func (s *Service) UpdateGroup(ctx context.Context, id uuid.UUID, spec poll.Spec) (poll.Group, error) {
	ok, err := s.polls.GroupExists(ctx, id)
	if err != nil {
		return poll.Group{}, err
	}
	if !ok {
		return poll.Group{}, fmt.Errorf("%s: %w", id, storage.ErrGroupNotFound)
	}
	spec.ID = uuid.Nil
	spec.GroupID = nil
	tmpl, err := s.build(spec)
	if err != nil {
		return poll.Group{}, err
	}
	cur, err := s.polls.GetGroup(ctx, id)
	if err != nil {
		return poll.Group{}, err
	}

	next := poll.Split(tmpl, cur.CreatedAt)
	next.ID = id
	var drop []uuid.UUID
	for i := len(next.Polls); i < len(cur.Polls); i++ {
		drop = append(drop, cur.Polls[i].ID)
	}
	gid := id
	for i := range next.Polls {
		m := &next.Polls[i]
		m.GroupID = &gid
		if i < len(cur.Polls) {
			m.ID = cur.Polls[i].ID
			m.Sent = cur.Polls[i].Sent
		}
	}
	if err := s.polls.UpdateGroup(ctx, next, drop...); err != nil {
		return poll.Group{}, err
	}
	s.log.Info("poll group updated", logx.Stringer("group", id), logx.Int("members", len(next.Polls)),
		logx.Int("dropped", max(0, len(cur.Polls)-len(next.Polls))))
	return next, nil
}

// ---- instances ----

// Instances lists the sent instances of a poll, oldest first.
func (s *Service) Instances(ctx context.Context, pollID uuid.UUID) ([]poll.Instance, error) {
	if _, err := s.polls.Get(ctx, pollID); err != nil {
		return nil, err
	}
	return s.instances.ListByPoll(ctx, pollID)
}

// Instance returns one instance, provided it belongs to pollID.
func (s *Service) Instance(ctx context.Context, pollID uuid.UUID, instanceID string) (poll.Instance, error) {
	in, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return poll.Instance{}, err
	}
	if in.PollID != pollID {
		return poll.Instance{}, fmt.Errorf("instance %s of poll %s: %w", instanceID, pollID, storage.ErrNotFound)
	}
	return in, nil
}

// InstanceAnswers flattens the answers of every instance of a poll.
func (s *Service) InstanceAnswers(ctx context.Context, pollID uuid.UUID) ([]poll.InstanceAnswer, error) {
	if _, err := s.polls.Get(ctx, pollID); err != nil {
		return nil, err
	}
	return s.instances.FindAnswersByPoll(ctx, pollID)
}

// GroupAnswers flattens the answers of every instance of every member.
func (s *Service) GroupAnswers(ctx context.Context, groupID uuid.UUID) ([]poll.InstanceAnswer, error) {
	ok, err := s.polls.GroupExists(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", groupID, storage.ErrGroupNotFound)
	}
	return s.instances.FindAnswersByGroup(ctx, groupID)
}
