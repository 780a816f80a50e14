package storage

import "time"

type AISettings struct {
	ID               string
	UserID           string
	Provider         string
	APIKeyEncrypted  *string
	Model            *string
	EnableStreaming  bool
	MaxContextTokens int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AISettingsPatch holds the fields of a partial settings update; nil fields
// keep their stored value.
type AISettingsPatch struct {
	Provider         *string
	APIKeyEncrypted  *string
	Model            *string
	EnableStreaming  *bool
	MaxContextTokens *int
}

func (p AISettingsPatch) Empty() bool {
	return p.Provider == nil && p.APIKeyEncrypted == nil && p.Model == nil &&
		p.EnableStreaming == nil && p.MaxContextTokens == nil
}

type ProviderKey struct {
	ID              string
	UserID          string
	Provider        string
	APIKeyEncrypted string
	IsActive        bool
	LastUsedAt      *time.Time
	CreatedAt       time.Time
}

const (
	HistoryCompleted = "completed"
	HistoryFailed    = "failed"
)

type HistoryRecord struct {
	ID         string
	UserID     string
	ProjectID  *string
	ActionType string
	Prompt     string
	Response   string
	TokensUsed int
	ModelUsed  string
	Provider   string
	DurationMs int64
	Status     string
	CreatedAt  time.Time
}
