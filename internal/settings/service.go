package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"codegravity/internal/crypto"
	"codegravity/internal/providers/anthropic_messages"
	"codegravity/internal/providers/catalog"
	"codegravity/internal/storage"
)

var (
	ErrNoCredential    = errors.New("no AI provider credential configured")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrInvalidKey      = errors.New("API key validation failed")
	ErrKeyNotFound     = errors.New("provider key not found")
)

type Store interface {
	GetAISettings(ctx context.Context, userID string) (storage.AISettings, error)
	UpsertAISettings(ctx context.Context, userID string, p storage.AISettingsPatch) (storage.AISettings, error)
	UpsertProviderKey(ctx context.Context, userID, provider, encKey string) error
	GetProviderKey(ctx context.Context, userID, provider string) (storage.ProviderKey, error)
	ListProviderKeys(ctx context.Context, userID string) ([]storage.ProviderKey, error)
	DeleteProviderKey(ctx context.Context, userID, provider string) error
	TouchProviderKey(ctx context.Context, userID, provider string) error
}

// Credentials is everything the gateway needs to call a principal's provider.
type Credentials struct {
	Provider         string
	APIKey           string
	Model            string
	Streaming        bool
	MaxContextTokens int
}

type Config struct {
	// HTTPClient is used for key probes only.
	HTTPClient              *http.Client
	ProbeTimeout            time.Duration
	// DefaultMaxContextTokens applies to principals without a stored limit.
	DefaultMaxContextTokens int
	Logger                  zerolog.Logger
}

type Service struct {
	store   Store
	keys    *crypto.Keyring
	catalog *catalog.Catalog
	http    *http.Client
	timeout time.Duration
	maxCtx  int
	logger  zerolog.Logger
}

func New(store Store, keys *crypto.Keyring, cat *catalog.Catalog, cfg Config) *Service {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.DefaultMaxContextTokens <= 0 {
		cfg.DefaultMaxContextTokens = storage.DefaultMaxContextTokens
	}
	return &Service{
		store:   store,
		keys:    keys,
		catalog: cat,
		http:    cfg.HTTPClient,
		timeout: cfg.ProbeTimeout,
		maxCtx:  cfg.DefaultMaxContextTokens,
		logger:  cfg.Logger,
	}
}

// Lookup returns the decrypted credential of the principal's active provider.
// A settings row without a key of its own falls back to the stored key for
// that provider.
func (s *Service) Lookup(ctx context.Context, principalID string) (Credentials, error) {
	st, err := s.store.GetAISettings(ctx, principalID)
	if errors.Is(err, storage.ErrNotFound) {
		return Credentials{}, ErrNoCredential
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("load settings: %w", err)
	}

	enc := ""
	if st.APIKeyEncrypted != nil {
		enc = *st.APIKeyEncrypted
	}
	fromKeyTable := false
	if enc == "" {
		k, err := s.store.GetProviderKey(ctx, principalID, st.Provider)
		if errors.Is(err, storage.ErrNotFound) {
			return Credentials{}, ErrNoCredential
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("load provider key: %w", err)
		}
		if !k.IsActive {
			return Credentials{}, ErrNoCredential
		}
		enc, fromKeyTable = k.APIKeyEncrypted, true
	}

	apiKey, err := s.keys.OpenCredential(principalID, enc)
	if err != nil {
		return Credentials{}, fmt.Errorf("open credential: %w", err)
	}
	if fromKeyTable {
		if err := s.store.TouchProviderKey(ctx, principalID, st.Provider); err != nil {
			s.logger.Warn().Err(err).Str("provider", st.Provider).Msg("touch provider key")
		}
	}

	creds := Credentials{
		Provider:         st.Provider,
		APIKey:           apiKey,
		Streaming:        st.EnableStreaming,
		MaxContextTokens: st.MaxContextTokens,
	}
	if st.Model != nil {
		creds.Model = *st.Model
	}
	if creds.MaxContextTokens <= 0 {
		creds.MaxContextTokens = s.maxCtx
	}
	return creds, nil
}

type Update struct {
	Provider         *string `json:"provider,omitempty"`
	APIKey           *string `json:"apiKey,omitempty"`
	Model            *string `json:"model,omitempty"`
	EnableStreaming  *bool   `json:"enableStreaming,omitempty"`
	MaxContextTokens *int    `json:"maxContextTokens,omitempty"`
}

// Apply stores a partial settings update. Empty strings leave the stored
// value untouched. The API key is encrypted before it reaches the store.
func (s *Service) Apply(ctx context.Context, principalID string, u Update) error {
	var patch storage.AISettingsPatch
	provider := trimmed(u.Provider)
	if provider != "" {
		p, err := s.catalog.Resolve(provider)
		if err != nil {
			return err
		}
		patch.Provider = &p.Name
	}
	if m := trimmed(u.Model); m != "" {
		patch.Model = &m
	}
	patch.EnableStreaming = u.EnableStreaming
	if u.MaxContextTokens != nil {
		if *u.MaxContextTokens <= 0 {
			return fmt.Errorf("%w: maxContextTokens must be positive", ErrInvalidSettings)
		}
		patch.MaxContextTokens = u.MaxContextTokens
	}

	var sealed string
	if key := trimmed(u.APIKey); key != "" {
		var err error
		if sealed, err = s.keys.SealCredential(principalID, key); err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
		patch.APIKeyEncrypted = &sealed
	}

	if _, err := s.store.UpsertAISettings(ctx, principalID, patch); err != nil {
		return err
	}
	if sealed != "" && patch.Provider != nil {
		if err := s.store.UpsertProviderKey(ctx, principalID, *patch.Provider, sealed); err != nil {
			return err
		}
	}
	return nil
}

type KeyView struct {
	Provider   string     `json:"provider"`
	IsActive   bool       `json:"isActive"`
	HasKey     bool       `json:"hasKey"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
}

type View struct {
	Provider         string    `json:"provider"`
	Model            *string   `json:"model"`
	EnableStreaming  bool      `json:"enableStreaming"`
	MaxContextTokens int       `json:"maxContextTokens"`
	HasAPIKey        bool      `json:"hasApiKey"`
	ProviderKeys     []KeyView `json:"providerKeys"`
}

// Get returns the principal's settings without any secret material.
func (s *Service) Get(ctx context.Context, principalID string) (View, error) {
	v := View{
		Provider:         storage.DefaultProvider,
		EnableStreaming:  true,
		MaxContextTokens: s.maxCtx,
		ProviderKeys:     []KeyView{},
	}
	st, err := s.store.GetAISettings(ctx, principalID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return View{}, fmt.Errorf("load settings: %w", err)
	default:
		v.Provider = st.Provider
		v.Model = st.Model
		v.EnableStreaming = st.EnableStreaming
		v.MaxContextTokens = st.MaxContextTokens
		v.HasAPIKey = st.APIKeyEncrypted != nil && *st.APIKeyEncrypted != ""
	}

	keys, err := s.store.ListProviderKeys(ctx, principalID)
	if err != nil {
		return View{}, fmt.Errorf("load provider keys: %w", err)
	}
	for _, k := range keys {
		v.ProviderKeys = append(v.ProviderKeys, KeyView{
			Provider:   k.Provider,
			IsActive:   k.IsActive,
			HasKey:     k.APIKeyEncrypted != "",
			LastUsedAt: k.LastUsedAt,
		})
	}
	return v, nil
}

// DeleteProviderKey removes only the named provider's key.
func (s *Service) DeleteProviderKey(ctx context.Context, principalID, provider string) error {
	p, err := s.catalog.Resolve(provider)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProviderKey(ctx, principalID, p.Name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}
	return nil
}

// TestKey probes the provider with a cheap authenticated call. Rejections are
// reported as ErrInvalidKey; anything else means the probe itself failed.
func (s *Service) TestKey(ctx context.Context, provider, apiKey string) error {
	p, err := s.catalog.Resolve(provider)
	if err != nil {
		return err
	}
	if strings.TrimSpace(apiKey) == "" {
		return fmt.Errorf("%w: apiKey is required", ErrInvalidSettings)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if p.Wire == catalog.WireAnthropic {
		return s.probeAnthropic(ctx, p, apiKey)
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(p.BaseURL, "/")
	cfg.HTTPClient = s.http
	_, err = openai.NewClientWithConfig(cfg).ListModels(ctx)
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Errorf("%w: %s", ErrInvalidKey, apiErr.Message)
	case errors.As(err, &reqErr):
		return fmt.Errorf("%w: status %d", ErrInvalidKey, reqErr.HTTPStatusCode)
	default:
		return fmt.Errorf("probe %s: %w", p.Name, err)
	}
}

func (s *Service) probeAnthropic(ctx context.Context, p catalog.ProviderConfig, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(p.BaseURL, "/")+"/models", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	anthropic_messages.SetAuth(req.Header, apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	return fmt.Errorf("%w: status %d: %s", ErrInvalidKey, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func trimmed(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
