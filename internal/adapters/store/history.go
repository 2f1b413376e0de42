package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/callcore/internal/domain"
)

const maxListLimit = 200

// HistoryRepo implements core.HistorySink and core.HistoryReader. Writes are
// idempotent per session id: the first record wins.
type HistoryRepo struct {
	db *DB
}

func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

func (r *HistoryRepo) Save(ctx context.Context, rec domain.CallRecord) error {
	parts, err := json.Marshal(rec.Participants)
	if err != nil {
		return err
	}
	_, err = r.db.Conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO call_history
			(session_id, chat_id, mode, initiator_id, participants, state, outcome, reason, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ChatID, rec.Mode, rec.InitiatorID, string(parts),
		rec.State, rec.Outcome, rec.Reason,
		rec.CreatedAt.UnixMilli(), millis(rec.StartedAt), millis(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save call record: %w", err)
	}
	return nil
}

// List returns the most recent records of a chat, newest first.
func (r *HistoryRepo) List(ctx context.Context, chat domain.ChatID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := r.db.Conn.QueryContext(ctx, `
		SELECT session_id, chat_id, mode, initiator_id, participants, state, outcome, reason, created_at, started_at, ended_at
		FROM call_history WHERE chat_id = ?
		ORDER BY created_at DESC LIMIT ?`, chat, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		var (
			rec            domain.CallRecord
			parts          string
			created        int64
			started, ended sql.NullInt64
		)
		if err := rows.Scan(&rec.SessionID, &rec.ChatID, &rec.Mode, &rec.InitiatorID, &parts,
			&rec.State, &rec.Outcome, &rec.Reason, &created, &started, &ended); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &rec.Participants); err != nil {
			return nil, fmt.Errorf("session %s participants: %w", rec.SessionID, err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		rec.StartedAt = fromMillis(started)
		rec.EndedAt = fromMillis(ended)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
