package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pollcron/internal/poll"
	logx "pollcron/pkg/logx"
)

// PollStore persists poll definitions, their answers and group envelopes.
type PollStore struct {
	db *DB
}

const pollColumns = `id, cron, question, multiselect, guild, channel, duration, onetime, sent, poll_group_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoll(r rowScanner) (poll.Poll, error) {
	var (
		p       poll.Poll
		id      string
		groupID sql.NullString
	)
	if err := r.Scan(&id, &p.Cron, &p.Question, &p.Multiselect, &p.Guild, &p.Channel,
		&p.Duration, &p.Onetime, &p.Sent, &groupID); err != nil {
		return poll.Poll{}, err
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return poll.Poll{}, fmt.Errorf("poll id %q: %w", id, err)
	}
	if groupID.Valid {
		gid, err := uuid.Parse(groupID.String)
		if err != nil {
			return poll.Poll{}, fmt.Errorf("poll %s group id: %w", id, err)
		}
		p.GroupID = &gid
	}
	return p, nil
}

func groupParam(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// Get returns the poll with its answers in display order.
func (s *PollStore) Get(ctx context.Context, id uuid.UUID) (poll.Poll, error) {
	db := s.db
	p, err := scanPoll(db.sql.QueryRowContext(ctx, db.q(`SELECT `+pollColumns+` FROM polls WHERE id = ?`), id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return poll.Poll{}, fmt.Errorf("poll %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return poll.Poll{}, err
	}
	rows, err := s.Answers(ctx, id)
	if err != nil {
		return poll.Poll{}, err
	}
	p.Answers = answerTexts(rows)
	return p, nil
}

// List returns every poll with its answers.
func (s *PollStore) List(ctx context.Context) ([]poll.Poll, error) {
	return s.list(ctx, `SELECT `+pollColumns+` FROM polls ORDER BY id`)
}

// ListByGroup returns the member polls of a group.
func (s *PollStore) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]poll.Poll, error) {
	return s.list(ctx, `SELECT `+pollColumns+` FROM polls WHERE poll_group_id = ? ORDER BY id`, groupID.String())
}

func (s *PollStore) list(ctx context.Context, query string, args ...any) ([]poll.Poll, error) {
	db := s.db
	rows, err := db.sql.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, err
	}
	var polls []poll.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		polls = append(polls, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(polls) == 0 {
		return polls, nil
	}

	answers, err := s.allAnswers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range polls {
		polls[i].Answers = answers[polls[i].ID.String()]
	}
	return polls, nil
}

func (s *PollStore) allAnswers(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT poll_id, answer FROM answers ORDER BY poll_id, position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var pollID, text string
		if err := rows.Scan(&pollID, &text); err != nil {
			return nil, err
		}
		out[pollID] = append(out[pollID], text)
	}
	return out, rows.Err()
}

// Answers returns the persisted answer rows of a poll in display order.
func (s *PollStore) Answers(ctx context.Context, pollID uuid.UUID) ([]AnswerRow, error) {
	return queryAnswers(ctx, s.db, s.db.sql, pollID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryAnswers(ctx context.Context, db *DB, q querier, pollID uuid.UUID) ([]AnswerRow, error) {
	rows, err := q.QueryContext(ctx, db.q(`SELECT id, answer, position FROM answers WHERE poll_id = ? ORDER BY position, id`), pollID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnswerRow
	for rows.Next() {
		var a AnswerRow
		if err := rows.Scan(&a.ID, &a.Text, &a.Position); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func answerTexts(rows []AnswerRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Text
	}
	return out
}

// Upsert inserts p or updates it in place. On update the answer rows are
// reconciled against p.Answers: new labels are inserted, labels no longer
// present are deleted, and rows whose label survives keep their identity.
func (s *PollStore) Upsert(ctx context.Context, p poll.Poll) error {
	return s.db.inTx(ctx, func(tx *sql.Tx) error { return s.upsert(ctx, tx, p) })
}

func (s *PollStore) upsert(ctx context.Context, tx *sql.Tx, p poll.Poll) error {
	db := s.db
	var one int
	err := tx.QueryRowContext(ctx, db.q(`SELECT 1 FROM polls WHERE id = ?`), p.ID.String()).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.insert(ctx, tx, p)
	case err != nil:
		return err
	}

	if _, err := tx.ExecContext(ctx, db.q(`UPDATE polls
		SET cron = ?, question = ?, multiselect = ?, guild = ?, channel = ?, duration = ?, onetime = ?, sent = ?, poll_group_id = ?
		WHERE id = ?`),
		p.Cron, p.Question, p.Multiselect, p.Guild, p.Channel, p.Duration, p.Onetime, p.Sent, groupParam(p.GroupID), p.ID.String(),
	); err != nil {
		return err
	}
	return s.reconcile(ctx, tx, p)
}

func (s *PollStore) insert(ctx context.Context, tx *sql.Tx, p poll.Poll) error {
	db := s.db
	if _, err := tx.ExecContext(ctx, db.q(`INSERT INTO polls(`+pollColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`),
		p.ID.String(), p.Cron, p.Question, p.Multiselect, p.Guild, p.Channel, p.Duration, p.Onetime, p.Sent, groupParam(p.GroupID),
	); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("poll %s: group: %w", p.ID, ErrNotFound)
		}
		return err
	}
	for i, text := range p.Answers {
		if err := insertAnswer(ctx, db, tx, p.ID, text, i); err != nil {
			return err
		}
	}
	return nil
}

func insertAnswer(ctx context.Context, db *DB, tx *sql.Tx, pollID uuid.UUID, text string, position int) error {
	_, err := tx.ExecContext(ctx, db.q(`INSERT INTO answers(answer, position, poll_id) VALUES(?,?,?)`), text, position, pollID.String())
	return err
}

// reconcile diffs the persisted answers with p.Answers as multisets, so a
// label listed twice keeps two rows.
func (s *PollStore) reconcile(ctx context.Context, tx *sql.Tx, p poll.Poll) error {
	db := s.db
	existing, err := queryAnswers(ctx, db, tx, p.ID)
	if err != nil {
		return err
	}
	pool := make(map[string][]AnswerRow, len(existing))
	for _, r := range existing {
		pool[r.Text] = append(pool[r.Text], r)
	}

	var inserted, moved, deleted int
	for i, text := range p.Answers {
		if rows := pool[text]; len(rows) > 0 {
			r := rows[0]
			pool[text] = rows[1:]
			if r.Position != i {
				if _, err := tx.ExecContext(ctx, db.q(`UPDATE answers SET position = ? WHERE id = ?`), i, r.ID); err != nil {
					return err
				}
				moved++
			}
			continue
		}
		if err := insertAnswer(ctx, db, tx, p.ID, text, i); err != nil {
			return err
		}
		inserted++
	}
	for _, rows := range pool {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, db.q(`DELETE FROM answers WHERE id = ?`), r.ID); err != nil {
				return err
			}
			deleted++
		}
	}

	if inserted+moved+deleted > 0 {
		db.log.Debug("poll answers reconciled",
			logx.Stringer("poll", p.ID),
			logx.Int("inserted", inserted),
			logx.Int("moved", moved),
			logx.Int("deleted", deleted),
		)
	}
	return nil
}

// MarkSent sets the sent flag without touching any other column.
func (s *PollStore) MarkSent(ctx context.Context, id uuid.UUID) error {
	db := s.db
	res, err := db.sql.ExecContext(ctx, db.q(`UPDATE polls SET sent = ? WHERE id = ?`), true, id.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("poll %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a poll and its answers. A poll that has sent instances is
// kept and ErrPollHasInstances is returned.
func (s *PollStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.inTx(ctx, func(tx *sql.Tx) error { return s.delete(ctx, tx, id) })
}

func (s *PollStore) delete(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	db := s.db
	var instances int
	if err := tx.QueryRowContext(ctx, db.q(`SELECT COUNT(*) FROM poll_instances WHERE poll_id = ?`), id.String()).Scan(&instances); err != nil {
		return err
	}
	if instances > 0 {
		return fmt.Errorf("poll %s (%d instances): %w", id, instances, ErrPollHasInstances)
	}
	if _, err := tx.ExecContext(ctx, db.q(`DELETE FROM answers WHERE poll_id = ?`), id.String()); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, db.q(`DELETE FROM polls WHERE id = ?`), id.String())
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("poll %s: %w", id, ErrPollHasInstances)
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("poll %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- groups ----

// CreateGroup stores the group envelope and its members in one transaction.
func (s *PollStore) CreateGroup(ctx context.Context, g poll.Group) error {
	db := s.db
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.q(`INSERT INTO poll_groups(id, created_at) VALUES(?, ?)`), g.ID.String(), g.CreatedAt.Unix()); err != nil {
			return err
		}
		for _, m := range g.Polls {
			if err := s.upsert(ctx, tx, m); err != nil {
				return fmt.Errorf("group %s member %s: %w", g.ID, m.ID, err)
			}
		}
		return nil
	})
}

// UpdateGroup rewrites the envelope, deletes the drop members and saves the
// members of g, all in one transaction. If any drop member cannot be
// deleted nothing changes.
func (s *PollStore) UpdateGroup(ctx context.Context, g poll.Group, drop ...uuid.UUID) error {
	db := s.db
	return db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, db.q(`UPDATE poll_groups SET created_at = ? WHERE id = ?`), g.CreatedAt.Unix(), g.ID.String())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%s: %w", g.ID, ErrGroupNotFound)
		}
		for _, id := range drop {
			if err := s.delete(ctx, tx, id); err != nil {
				return fmt.Errorf("group %s: drop member %s: %w", g.ID, id, err)
			}
		}
		for _, m := range g.Polls {
			if err := s.upsert(ctx, tx, m); err != nil {
				return fmt.Errorf("group %s member %s: %w", g.ID, m.ID, err)
			}
		}
		return nil
	})
}

func (s *PollStore) GroupExists(ctx context.Context, id uuid.UUID) (bool, error) {
	db := s.db
	var one int
	err := db.sql.QueryRowContext(ctx, db.q(`SELECT 1 FROM poll_groups WHERE id = ?`), id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// GetGroup returns the group with its member polls.
func (s *PollStore) GetGroup(ctx context.Context, id uuid.UUID) (poll.Group, error) {
	db := s.db
	var created int64
	err := db.sql.QueryRowContext(ctx, db.q(`SELECT created_at FROM poll_groups WHERE id = ?`), id.String()).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return poll.Group{}, fmt.Errorf("%s: %w", id, ErrGroupNotFound)
	}
	if err != nil {
		return poll.Group{}, err
	}
	members, err := s.ListByGroup(ctx, id)
	if err != nil {
		return poll.Group{}, err
	}
	return poll.Group{ID: id, CreatedAt: time.Unix(created, 0).UTC(), Polls: members}, nil
}

// ListGroups returns every group with its member polls.
func (s *PollStore) ListGroups(ctx context.Context) ([]poll.Group, error) {
	db := s.db
	rows, err := db.sql.QueryContext(ctx, `SELECT id, created_at FROM poll_groups ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	var groups []poll.Group
	for rows.Next() {
		var (
			id      string
			created int64
		)
		if err := rows.Scan(&id, &created); err != nil {
			rows.Close()
			return nil, err
		}
		gid, err := uuid.Parse(id)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("group id %q: %w", id, err)
		}
		groups = append(groups, poll.Group{ID: gid, CreatedAt: time.Unix(created, 0).UTC()})
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	polls, err := s.list(ctx, `SELECT `+pollColumns+` FROM polls WHERE poll_group_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	idx := make(map[uuid.UUID]int, len(groups))
	for i, g := range groups {
		idx[g.ID] = i
	}
	for _, p := range polls {
		if i, ok := idx[*p.GroupID]; ok {
			groups[i].Polls = append(groups[i].Polls, p)
		}
	}
	return groups, nil
}
