package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

var historyColumns = []string{
	"id", "user_id", "project_id", "action_type", "prompt", "response", "tokens_used",
	"model_used", "provider", "duration_ms", "status", "created_at",
}

// AppendHistory inserts one usage record. Missing ids, statuses and
// timestamps are filled in.
func (s *Store) AppendHistory(ctx context.Context, r HistoryRecord) (HistoryRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = HistoryCompleted
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("ai_history").
		Columns(historyColumns...).
		Values(r.ID, r.UserID, r.ProjectID, r.ActionType, r.Prompt, r.Response, r.TokensUsed,
			r.ModelUsed, r.Provider, r.DurationMs, r.Status, r.CreatedAt)
	if _, err := s.exec(ctx, "append history", q); err != nil {
		return HistoryRecord{}, err
	}
	return r, nil
}

// ListHistory returns the principal's newest records first. The limit is
// clamped to [1, MaxHistoryLimit].
func (s *Store) ListHistory(ctx context.Context, userID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	q := s.sql.Select(historyColumns...).
		From("ai_history").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list history query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryRecord, 0, limit)
	for rows.Next() {
		var (
			r                                  HistoryRecord
			project, response, model, provider sql.NullString
			tokens, duration                   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &project, &r.ActionType, &r.Prompt, &response, &tokens,
			&model, &provider, &duration, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.ProjectID = nullString(project)
		r.Response = response.String
		r.TokensUsed = int(tokens.Int64)
		r.ModelUsed = model.String
		r.Provider = provider.String
		r.DurationMs = duration.Int64
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}
