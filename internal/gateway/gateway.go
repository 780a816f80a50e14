package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"codegravity/internal/metrics"
	"codegravity/internal/prompt"
	"codegravity/internal/providers"
	"codegravity/internal/providers/catalog"
	"codegravity/internal/providers/openai_compat"
	"codegravity/internal/ratelimit"
	"codegravity/internal/settings"
	"codegravity/internal/storage"
)

var (
	ErrNoCredential    = settings.ErrNoCredential
	ErrUnknownProvider = catalog.ErrUnknownProvider
	ErrInvalidPayload  = prompt.ErrInvalidPayload
	ErrUpstream        = openai_compat.ErrUpstream
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrContextTooLarge = errors.New("prompt exceeds the configured context size")
)

type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.Decision.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

type CredentialStore interface {
	Lookup(ctx context.Context, principalID string) (settings.Credentials, error)
}

type Limiter interface {
	CheckAndIncrement(ctx context.Context, principal string, cat ratelimit.Category) (ratelimit.Decision, error)
}

type Relay interface {
	Stream(ctx context.Context, req openai_compat.Request) <-chan providers.StreamEvent
	Complete(ctx context.Context, req openai_compat.Request) (openai_compat.Completion, error)
}

type Recorder interface {
	Record(ctx context.Context, rec storage.HistoryRecord)
}

// Sink receives relayed events in order. An error means the client is gone.
type Sink interface {
	Send(ev providers.StreamEvent) error
}

type Config struct {
	Catalog     *catalog.Catalog
	Credentials CredentialStore
	Limiter     Limiter
	Relay       Relay
	Recorder    Recorder
	// EnforceContextLimit rejects prompts estimated above the principal's
	// max context tokens instead of only logging them.
	EnforceContextLimit bool
	Logger              zerolog.Logger
}

type Gateway struct {
	catalog  *catalog.Catalog
	creds    CredentialStore
	limiter  Limiter
	relay    Relay
	recorder Recorder
	enforce  bool
	logger   zerolog.Logger
	now      func() time.Time
}

func New(cfg Config) *Gateway {
	return &Gateway{
		catalog:  cfg.Catalog,
		creds:    cfg.Credentials,
		limiter:  cfg.Limiter,
		relay:    cfg.Relay,
		recorder: cfg.Recorder,
		enforce:  cfg.EnforceContextLimit,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

type State int

const (
	StateIdle State = iota
	StateSettingsResolved
	StateRateChecked
	StateRelaying
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSettingsResolved:
		return "settings_resolved"
	case StateRateChecked:
		return "rate_checked"
	case StateRelaying:
		return "relaying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one admitted AI request, ready to be relayed exactly once.
type Session struct {
	gw        *Gateway
	principal string
	payload   prompt.Payload
	creds     settings.Credentials
	provider  catalog.ProviderConfig
	model     string
	messages  []providers.ChatMessage
	streaming bool
	decision  ratelimit.Decision
	state     State
}

func (s *Session) Streaming() bool              { return s.streaming }
func (s *Session) Decision() ratelimit.Decision { return s.decision }
func (s *Session) State() State                 { return s.state }
func (s *Session) Provider() string             { return s.provider.Name }
func (s *Session) Model() string                { return s.model }

// Prepare resolves the principal's credential and provider, builds the
// upstream messages and consumes one slot of the ai rate limit.
func (g *Gateway) Prepare(ctx context.Context, principalID string, p prompt.Payload) (*Session, error) {
	if err := prompt.Validate(p); err != nil {
		return nil, err
	}
	s := &Session{gw: g, principal: principalID, payload: p, state: StateIdle}

	creds, err := g.creds.Lookup(ctx, principalID)
	if err != nil {
		return nil, err
	}
	provider, err := g.catalog.Resolve(creds.Provider)
	if err != nil {
		return nil, err
	}
	s.creds, s.provider = creds, provider
	s.model = creds.Model
	if s.model == "" {
		s.model = provider.DefaultModel
	}
	s.streaming = p.WantsStream() && creds.Streaming
	s.state = StateSettingsResolved

	if s.messages, err = prompt.Compose(p); err != nil {
		return nil, err
	}
	if err := g.checkContext(s); err != nil {
		return nil, err
	}

	d, err := g.limiter.CheckAndIncrement(ctx, principalID, ratelimit.CategoryAI)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", principalID).Msg("rate limit check degraded")
	}
	s.decision = d
	if !d.Allowed {
		return nil, &RateLimitedError{Decision: d}
	}
	s.state = StateRateChecked
	return s, nil
}

func (g *Gateway) checkContext(s *Session) error {
	limit := s.creds.MaxContextTokens
	if limit <= 0 {
		return nil
	}
	est := EstimateTokens(s.messages)
	if est <= limit {
		return nil
	}
	if g.enforce {
		return fmt.Errorf("%w: about %d tokens, limit %d", ErrContextTooLarge, est, limit)
	}
	g.logger.Warn().
		Str("user_id", s.principal).
		Int("estimated_tokens", est).
		Int("max_context_tokens", limit).
		Msg("prompt above configured context size")
	return nil
}

// EstimateTokens approximates the prompt size at four bytes per token.
func EstimateTokens(msgs []providers.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return (n + 3) / 4
}

type Outcome struct {
	State    State
	Text     string
	Tokens   int
	Message  string
	Duration time.Duration
}

func (s *Session) request() openai_compat.Request {
	return openai_compat.Request{
		Provider:  s.provider,
		APIKey:    s.creds.APIKey,
		Model:     s.model,
		Messages:  s.messages,
		EmitStart: s.payload.Mode() == prompt.ModeInlineEdit,
	}
}

// Stream relays the completion to sink and records it. Every event is
// forwarded as soon as it arrives; when sink fails the upstream call is
// cancelled and the relay drained.
func (s *Session) Stream(ctx context.Context, sink Sink) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := s.gw.now()
	s.state = StateRelaying

	var (
		text    strings.Builder
		final   providers.StreamEvent
		sinkErr error
	)
	for ev := range s.gw.relay.Stream(ctx, s.request()) {
		switch ev.Type {
		case providers.EventDelta:
			text.WriteString(ev.Content)
		case providers.EventComplete:
			if s.payload.Mode() == prompt.ModeInlineEdit {
				ev.FullCode = text.String()
			}
		}
		if ev.Terminal() {
			final = ev
		}
		if sinkErr != nil {
			continue
		}
		if err := sink.Send(ev); err != nil {
			sinkErr = err
			cancel()
		}
	}

	out := Outcome{Text: text.String(), Tokens: final.Tokens, Duration: s.gw.now().Sub(start)}
	if final.Type == providers.EventComplete {
		out.State = StateCompleted
	} else {
		out.State = StateFailed
		out.Message = final.Message
	}
	if sinkErr != nil {
		out.Message = "client disconnected: " + sinkErr.Error()
	}
	s.finish(ctx, out)
	return out
}

// Complete performs the call without streaming and records it.
func (s *Session) Complete(ctx context.Context) (Outcome, error) {
	start := s.gw.now()
	s.state = StateRelaying

	res, err := s.gw.relay.Complete(ctx, s.request())
	out := Outcome{Text: res.Text, Tokens: res.Tokens, Duration: s.gw.now().Sub(start)}
	if err != nil {
		out.State = StateFailed
		out.Message = err.Error()
		s.finish(ctx, out)
		if !errors.Is(err, ErrUpstream) {
			err = fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return out, err
	}
	out.State = StateCompleted
	s.finish(ctx, out)
	return out, nil
}

func (s *Session) finish(ctx context.Context, out Outcome) {
	s.state = out.State
	status := storage.HistoryCompleted
	if out.State == StateFailed {
		status = storage.HistoryFailed
	}
	mode := string(s.payload.Mode())

	m := metrics.Global()
	m.RelayRequests.WithLabelValues(s.provider.Name, mode, status).Inc()
	m.RelayDuration.WithLabelValues(s.provider.Name, mode).Observe(out.Duration.Seconds())
	if out.Tokens > 0 {
		m.RelayTokens.WithLabelValues(s.provider.Name).Add(float64(out.Tokens))
	}

	lvl := zerolog.InfoLevel
	if out.State == StateFailed {
		lvl = zerolog.WarnLevel
	}
	ev := s.gw.logger.WithLevel(lvl)
	if out.Message != "" {
		ev = ev.Str("error", out.Message)
	}
	ev.Str("user_id", s.principal).
		Str("provider", s.provider.Name).
		Str("model", s.model).
		Str("mode", mode).
		Bool("stream", s.streaming).
		Int("tokens", out.Tokens).
		Dur("duration", out.Duration).
		Msg("ai request finished")

	rec := storage.HistoryRecord{
		UserID:     s.principal,
		ActionType: mode,
		Prompt:     s.payload.HistoryPrompt(),
		Response:   out.Text,
		TokensUsed: out.Tokens,
		ModelUsed:  s.model,
		Provider:   s.provider.Name,
		DurationMs: out.Duration.Milliseconds(),
		Status:     status,
	}
	if pid := s.payload.Project(); pid != "" {
		rec.ProjectID = &pid
	}
	s.gw.recorder.Record(ctx, rec)
}
