package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "gateway.db")
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x", false); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestSettingsPartialUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetAISettings(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	st, err := s.UpsertAISettings(ctx, "u1", AISettingsPatch{Provider: ptr("groq"), APIKeyEncrypted: ptr("enc-1")})
	if err != nil {
		t.Fatalf("create settings: %v", err)
	}
	if st.Provider != "groq" || st.APIKeyEncrypted == nil || *st.APIKeyEncrypted != "enc-1" {
		t.Fatalf("unexpected settings %+v", st)
	}
	if !st.EnableStreaming || st.MaxContextTokens != DefaultMaxContextTokens || st.Model != nil {
		t.Fatalf("defaults not applied: %+v", st)
	}

	st, err = s.UpsertAISettings(ctx, "u1", AISettingsPatch{Model: ptr("llama3"), EnableStreaming: ptr(false)})
	if err != nil {
		t.Fatalf("patch settings: %v", err)
	}
	if st.Provider != "groq" || *st.APIKeyEncrypted != "enc-1" {
		t.Fatalf("patch overwrote untouched columns: %+v", st)
	}
	if st.Model == nil || *st.Model != "llama3" || st.EnableStreaming {
		t.Fatalf("patch not applied: %+v", st)
	}

	first := st.ID
	st, err = s.UpsertAISettings(ctx, "u1", AISettingsPatch{MaxContextTokens: ptr(8192)})
	if err != nil {
		t.Fatalf("patch settings: %v", err)
	}
	if st.ID != first || st.MaxContextTokens != 8192 {
		t.Fatalf("expected update in place, got %+v", st)
	}
}

func TestEmptyPatchCreatesDefaults(t *testing.T) {
	s := openTestStore(t)
	st, err := s.UpsertAISettings(context.Background(), "u1", AISettingsPatch{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if st.Provider != DefaultProvider || st.APIKeyEncrypted != nil {
		t.Fatalf("unexpected defaults %+v", st)
	}
}

func TestProviderKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProviderKey(ctx, "u1", "openai", "enc-a"); err != nil {
		t.Fatalf("upsert openai: %v", err)
	}
	if err := s.UpsertProviderKey(ctx, "u1", "anthropic", "enc-b"); err != nil {
		t.Fatalf("upsert anthropic: %v", err)
	}
	if err := s.UpsertProviderKey(ctx, "u1", "openai", "enc-c"); err != nil {
		t.Fatalf("replace openai: %v", err)
	}
	if err := s.UpsertProviderKey(ctx, "u2", "openai", "enc-d"); err != nil {
		t.Fatalf("upsert other user: %v", err)
	}

	keys, err := s.ListProviderKeys(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0].Provider != "anthropic" || keys[1].APIKeyEncrypted != "enc-c" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	if keys[1].LastUsedAt != nil {
		t.Fatalf("fresh key has last used time")
	}

	if err := s.TouchProviderKey(ctx, "u1", "openai"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	k, err := s.GetProviderKey(ctx, "u1", "openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if k.LastUsedAt == nil {
		t.Fatalf("touch did not set last used time")
	}

	if err := s.DeleteProviderKey(ctx, "u1", "openai"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteProviderKey(ctx, "u1", "openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := s.GetProviderKey(ctx, "u2", "openai"); err != nil {
		t.Fatalf("other user's key affected: %v", err)
	}
	if _, err := s.GetProviderKey(ctx, "u1", "anthropic"); err != nil {
		t.Fatalf("other provider's key affected: %v", err)
	}
}

func TestHistoryAppendAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	project := "p1"

	for i := 0; i < 5; i++ {
		_, err := s.AppendHistory(ctx, HistoryRecord{
			UserID:     "u1",
			ProjectID:  &project,
			ActionType: "chat",
			Prompt:     "q",
			Response:   "a",
			TokensUsed: i,
			ModelUsed:  "gpt-4-turbo",
			Provider:   "openai",
			DurationMs: 120,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, err := s.AppendHistory(ctx, HistoryRecord{UserID: "u2", ActionType: "explain", Prompt: "x", Status: HistoryFailed}); err != nil {
		t.Fatalf("append other user: %v", err)
	}

	recs, err := s.ListHistory(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].TokensUsed != 4 || recs[2].TokensUsed != 2 {
		t.Fatalf("records not newest first: %+v", recs)
	}
	if recs[0].Status != HistoryCompleted || recs[0].ProjectID == nil || *recs[0].ProjectID != "p1" {
		t.Fatalf("unexpected record %+v", recs[0])
	}

	other, err := s.ListHistory(ctx, "u2", 0)
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 1 || other[0].Status != HistoryFailed || other[0].ProjectID != nil {
		t.Fatalf("unexpected other records %+v", other)
	}
}
