package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BallotStore keeps each voter's current selection per poll instance, so
// a full-selection update can be diffed against the previous one across
// restarts.
type BallotStore struct {
	db *DB
}

// Ballot returns the stored selection. ok is false when the voter has none.
func (s *BallotStore) Ballot(ctx context.Context, instanceID string, voter int64) (options []int, ok bool, err error) {
	db := s.db
	var raw string
	err = db.sql.QueryRowContext(ctx, db.q(`SELECT options FROM poll_ballots WHERE instance_id = ? AND voter = ?`),
		instanceID, voter).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	options, err = parseOptions(raw)
	if err != nil {
		return nil, false, fmt.Errorf("ballot %s/%d: %w", instanceID, voter, err)
	}
	return options, true, nil
}

// PutBallot replaces the selection. An empty selection deletes it.
func (s *BallotStore) PutBallot(ctx context.Context, instanceID string, voter int64, options []int) error {
	db := s.db
	if len(options) == 0 {
		_, err := db.sql.ExecContext(ctx, db.q(`DELETE FROM poll_ballots WHERE instance_id = ? AND voter = ?`), instanceID, voter)
		return err
	}
	_, err := db.sql.ExecContext(ctx, db.q(`INSERT INTO poll_ballots(instance_id, voter, options) VALUES(?,?,?)
		ON CONFLICT(instance_id, voter) DO UPDATE SET options = excluded.options`),
		instanceID, voter, formatOptions(options))
	return err
}

func formatOptions(options []int) string {
	parts := make([]string, len(options))
	for i, o := range options {
		parts[i] = strconv.Itoa(o)
	}
	return strings.Join(parts, ",")
}

func parseOptions(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
