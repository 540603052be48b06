package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/poll"
)

// InstanceStore persists sent poll instances and their vote counters.
type InstanceStore struct {
	db *DB
}

// Get returns the instance with its answers in send order.
func (s *InstanceStore) Get(ctx context.Context, id string) (poll.Instance, error) {
	db := s.db
	var (
		in      poll.Instance
		sentAt  int64
		pollID  string
		answers []poll.InstanceAnswer
	)
	err := db.sql.QueryRowContext(ctx, db.q(`SELECT id, sent_at, poll_id FROM poll_instances WHERE id = ?`), id).
		Scan(&in.ID, &sentAt, &pollID)
	if errors.Is(err, sql.ErrNoRows) {
		return poll.Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return poll.Instance{}, err
	}
	if in.PollID, err = uuid.Parse(pollID); err != nil {
		return poll.Instance{}, fmt.Errorf("instance %s poll id: %w", id, err)
	}
	in.SentAt = time.Unix(sentAt, 0).UTC()

	answers, err = s.FindAnswers(ctx, id)
	if err != nil {
		return poll.Instance{}, err
	}
	in.Answers = answers
	return in, nil
}

// ListByPoll returns every instance of a poll, oldest first.
func (s *InstanceStore) ListByPoll(ctx context.Context, pollID uuid.UUID) ([]poll.Instance, error) {
	db := s.db
	rows, err := db.sql.QueryContext(ctx, db.q(`SELECT id, sent_at FROM poll_instances WHERE poll_id = ? ORDER BY sent_at, id`), pollID.String())
	if err != nil {
		return nil, err
	}
	var out []poll.Instance
	for rows.Next() {
		var (
			in     = poll.Instance{PollID: pollID}
			sentAt int64
		)
		if err := rows.Scan(&in.ID, &sentAt); err != nil {
			rows.Close()
			return nil, err
		}
		in.SentAt = time.Unix(sentAt, 0).UTC()
		out = append(out, in)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Answers, err = s.FindAnswers(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Save inserts an unknown instance with its answers, or updates only the
// vote counters of a known one. Text, ids and timestamps never change after
// the first save.
func (s *InstanceStore) Save(ctx context.Context, in poll.Instance) error {
	err := s.db.inTx(ctx, func(tx *sql.Tx) error { return s.save(ctx, tx, in) })
	if isUniqueViolation(err) {
		// Another writer inserted the same instance first; the retry takes
		// the counter update path.
		err = s.db.inTx(ctx, func(tx *sql.Tx) error { return s.save(ctx, tx, in) })
	}
	return err
}

func (s *InstanceStore) save(ctx context.Context, tx *sql.Tx, in poll.Instance) error {
	db := s.db
	var one int
	err := tx.QueryRowContext(ctx, db.q(`SELECT 1 FROM poll_instances WHERE id = ?`), in.ID).Scan(&one)
	switch {
	case err == nil:
		for _, a := range in.Answers {
			if _, err := tx.ExecContext(ctx, db.q(`UPDATE poll_instance_answers SET votes = ? WHERE instance_id = ? AND id = ?`),
				max(0, a.Votes), in.ID, a.AnswerID); err != nil {
				return err
			}
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx, db.q(`INSERT INTO poll_instances(id, sent_at, poll_id) VALUES(?,?,?)`),
		in.ID, in.SentAt.Unix(), in.PollID.String()); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("instance %s: poll %s: %w", in.ID, in.PollID, ErrNotFound)
		}
		return err
	}
	for i, a := range in.Answers {
		if _, err := tx.ExecContext(ctx, db.q(`INSERT INTO poll_instance_answers(instance_id, id, answer, votes, position) VALUES(?,?,?,?,?)`),
			in.ID, a.AnswerID, a.Text, max(0, a.Votes), i); err != nil {
			return err
		}
	}
	return nil
}

// FindAnswers returns the answers of one instance in send order.
func (s *InstanceStore) FindAnswers(ctx context.Context, instanceID string) ([]poll.InstanceAnswer, error) {
	return s.answers(ctx, `SELECT pia.id, pia.answer, pia.votes
		FROM poll_instance_answers pia
		WHERE pia.instance_id = ?
		ORDER BY pia.position, pia.id`, instanceID)
}

// FindAnswersByPoll returns the answers of every instance of a poll,
// instance by instance, oldest first.
func (s *InstanceStore) FindAnswersByPoll(ctx context.Context, pollID uuid.UUID) ([]poll.InstanceAnswer, error) {
	return s.answers(ctx, `SELECT pia.id, pia.answer, pia.votes
		FROM poll_instance_answers pia
		JOIN poll_instances pi ON pi.id = pia.instance_id
		WHERE pi.poll_id = ?
		ORDER BY pi.sent_at, pi.id, pia.position, pia.id`, pollID.String())
}

// FindAnswersByGroup flattens FindAnswersByPoll over the member polls.
func (s *InstanceStore) FindAnswersByGroup(ctx context.Context, groupID uuid.UUID) ([]poll.InstanceAnswer, error) {
	db := s.db
	rows, err := db.sql.QueryContext(ctx, db.q(`SELECT id FROM polls WHERE poll_group_id = ? ORDER BY id`), groupID.String())
	if err != nil {
		return nil, err
	}
	var members []uuid.UUID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		pid, err := uuid.Parse(strings.TrimSpace(id))
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("poll id %q: %w", id, err)
		}
		members = append(members, pid)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := []poll.InstanceAnswer{}
	for _, id := range members {
		answers, err := s.FindAnswersByPoll(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, answers...)
	}
	return out, nil
}

func (s *InstanceStore) answers(ctx context.Context, query string, args ...any) ([]poll.InstanceAnswer, error) {
	db := s.db
	rows, err := db.sql.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []poll.InstanceAnswer{}
	for rows.Next() {
		var a poll.InstanceAnswer
		if err := rows.Scan(&a.AnswerID, &a.Text, &a.Votes); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
