package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultProvider         = "openai"
	DefaultMaxContextTokens = 4096
)

var settingsColumns = []string{
	"id", "user_id", "provider", "api_key_encrypted", "model",
	"enable_streaming", "max_context_tokens", "created_at", "updated_at",
}

func (s *Store) GetAISettings(ctx context.Context, userID string) (AISettings, error) {
	q := s.sql.Select(settingsColumns...).
		From("ai_settings").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AISettings{}, fmt.Errorf("build get settings query: %w", err)
	}

	var (
		st         AISettings
		key, model sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&st.ID,
		&st.UserID,
		&st.Provider,
		&key,
		&model,
		&st.EnableStreaming,
		&st.MaxContextTokens,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AISettings{}, ErrNotFound
		}
		return AISettings{}, fmt.Errorf("get settings: %w", err)
	}
	st.APIKeyEncrypted = nullString(key)
	st.Model = nullString(model)
	return st, nil
}

// UpsertAISettings creates the principal's row or updates only the patched
// columns of the existing one.
func (s *Store) UpsertAISettings(ctx context.Context, userID string, p AISettingsPatch) (AISettings, error) {
	if p.Empty() {
		st, err := s.GetAISettings(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return s.UpsertAISettings(ctx, userID, AISettingsPatch{Provider: ptr(DefaultProvider)})
		}
		return st, err
	}

	provider := DefaultProvider
	streaming := true
	maxTokens := DefaultMaxContextTokens
	var sets []string
	if p.Provider != nil {
		provider = *p.Provider
		sets = append(sets, "provider = excluded.provider")
	}
	if p.APIKeyEncrypted != nil {
		sets = append(sets, "api_key_encrypted = excluded.api_key_encrypted")
	}
	if p.Model != nil {
		sets = append(sets, "model = excluded.model")
	}
	if p.EnableStreaming != nil {
		streaming = *p.EnableStreaming
		sets = append(sets, "enable_streaming = excluded.enable_streaming")
	}
	if p.MaxContextTokens != nil {
		maxTokens = *p.MaxContextTokens
		sets = append(sets, "max_context_tokens = excluded.max_context_tokens")
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	now := s.now()
	q := s.sql.Insert("ai_settings").
		Columns(settingsColumns...).
		Values(uuid.NewString(), userID, provider, p.APIKeyEncrypted, p.Model, streaming, maxTokens, now, now).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET " + strings.Join(sets, ", "))
	if _, err := s.exec(ctx, "upsert settings", q); err != nil {
		return AISettings{}, err
	}
	return s.GetAISettings(ctx, userID)
}

var keyColumns = []string{"id", "user_id", "provider", "api_key_encrypted", "is_active", "last_used_at", "created_at"}

func (s *Store) UpsertProviderKey(ctx context.Context, userID, provider, encKey string) error {
	q := s.sql.Insert("ai_provider_keys").
		Columns("id", "user_id", "provider", "api_key_encrypted", "is_active", "created_at").
		Values(uuid.NewString(), userID, provider, encKey, true, s.now()).
		Suffix("ON CONFLICT(user_id, provider) DO UPDATE SET api_key_encrypted = excluded.api_key_encrypted, is_active = excluded.is_active")
	_, err := s.exec(ctx, "upsert provider key", q)
	return err
}

func (s *Store) GetProviderKey(ctx context.Context, userID, provider string) (ProviderKey, error) {
	keys, err := s.listProviderKeys(ctx, sq.Eq{"user_id": userID, "provider": provider})
	if err != nil {
		return ProviderKey{}, err
	}
	if len(keys) == 0 {
		return ProviderKey{}, ErrNotFound
	}
	return keys[0], nil
}

func (s *Store) ListProviderKeys(ctx context.Context, userID string) ([]ProviderKey, error) {
	return s.listProviderKeys(ctx, sq.Eq{"user_id": userID})
}

func (s *Store) listProviderKeys(ctx context.Context, where sq.Eq) ([]ProviderKey, error) {
	q := s.sql.Select(keyColumns...).
		From("ai_provider_keys").
		Where(where).
		OrderBy("provider ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list provider keys query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list provider keys: %w", err)
	}
	defer rows.Close()

	out := make([]ProviderKey, 0)
	for rows.Next() {
		var (
			k        ProviderKey
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.UserID, &k.Provider, &k.APIKeyEncrypted, &k.IsActive, &lastUsed, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provider key: %w", err)
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			k.LastUsedAt = &t
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider keys: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteProviderKey(ctx context.Context, userID, provider string) error {
	res, err := s.exec(ctx, "delete provider key", s.sql.Delete("ai_provider_keys").
		Where(sq.Eq{"user_id": userID, "provider": provider}))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete provider key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchProviderKey(ctx context.Context, userID, provider string) error {
	_, err := s.exec(ctx, "touch provider key", s.sql.Update("ai_provider_keys").
		Set("last_used_at", s.now()).
		Where(sq.Eq{"user_id": userID, "provider": provider}))
	return err
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func ptr[T any](v T) *T { return &v }
