package openai_compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"codegravity/internal/providers"
	"codegravity/internal/providers/anthropic_messages"
	"codegravity/internal/providers/catalog"
)

var (
	ErrUpstream     = errors.New("upstream provider error")
	ErrIdleTimeout  = errors.New("upstream stream stalled: no data within idle timeout")
	ErrRelayTimeout = errors.New("upstream stream exceeded maximum relay duration")
)

type Config struct {
	// HTTPClient must not carry a Timeout: it would cut long streams. Time
	// limits are applied per request through the context instead.
	HTTPClient    *http.Client
	MaxRetries    int
	BackoffBase   time.Duration
	MaxDuration   time.Duration
	IdleTimeout   time.Duration
	MaxFrameBytes int
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 5 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	return &Client{cfg: cfg}
}

type Request struct {
	Provider catalog.ProviderConfig
	APIKey   string
	Model    string
	Messages []providers.ChatMessage
	// EmitStart makes the stream open with a start event once the upstream
	// has accepted the call.
	EmitStart bool
}

type Completion struct {
	Text   string
	Tokens int
}

// Stream relays a streaming completion. The returned channel yields events in
// upstream order and is closed right after the single terminal event; the
// caller must keep receiving until it is closed. Cancelling ctx aborts the
// upstream read and ends the stream with an error event.
func (c *Client) Stream(ctx context.Context, req Request) <-chan providers.StreamEvent {
	out := make(chan providers.StreamEvent)
	go func() {
		defer close(out)
		c.stream(ctx, req, out)
	}()
	return out
}

func (c *Client) stream(parent context.Context, req Request, out chan<- providers.StreamEvent) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	ctx, stop := context.WithTimeoutCause(ctx, c.cfg.MaxDuration, ErrRelayTimeout)
	defer stop()

	idle := time.AfterFunc(c.cfg.IdleTimeout, func() { cancel(ErrIdleTimeout) })
	defer idle.Stop()

	fail := func(err error) {
		out <- providers.Failure(describe(ctx, err))
	}
	// a slow consumer is not upstream idleness
	send := func(ev providers.StreamEvent) bool {
		idle.Stop()
		defer idle.Reset(c.cfg.IdleTimeout)
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	resp, err := c.open(ctx, req, true)
	if err != nil {
		fail(err)
		return
	}
	defer resp.Body.Close()
	idle.Reset(c.cfg.IdleTimeout)

	if req.EmitStart && !send(providers.Start()) {
		fail(ctx.Err())
		return
	}

	var u usage
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), c.cfg.MaxFrameBytes)
	for sc.Scan() {
		idle.Reset(c.cfg.IdleTimeout)
		payload, ok := framePayload(sc.Text())
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			out <- providers.Complete(u.total())
			return
		}
		f, err := parseFrame(req.Provider.Wire, []byte(payload))
		if err != nil {
			// keep-alives and truncated frames are not worth failing over
			continue
		}
		u.observe(f.promptTokens, f.completionTokens)
		if f.err != "" {
			fail(errors.New(f.err))
			return
		}
		if f.text != "" && !send(providers.Delta(f.text)) {
			fail(ctx.Err())
			return
		}
		if f.done {
			out <- providers.Complete(u.total())
			return
		}
	}
	if err := sc.Err(); err != nil {
		fail(fmt.Errorf("read upstream stream: %w", err))
		return
	}
	if err := ctx.Err(); err != nil {
		fail(err)
		return
	}
	out <- providers.Complete(u.total())
}

// Complete performs a single non-streaming call and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	ctx, stop := context.WithTimeoutCause(ctx, c.cfg.MaxDuration, ErrRelayTimeout)
	defer stop()

	resp, err := c.open(ctx, req, false)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %s", ErrUpstream, describe(ctx, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: read response body: %s", ErrUpstream, describe(ctx, err))
	}

	var (
		text   string
		tokens int
	)
	if req.Provider.Wire == catalog.WireAnthropic {
		text, tokens, err = anthropic_messages.ParseResponse(body)
	} else {
		text, tokens, err = parseChatCompletions(body)
	}
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return Completion{Text: text, Tokens: tokens}, nil
}

// open issues the upstream POST, retrying transport failures, 429 and 5xx.
// The response is returned only for 2xx statuses.
func (c *Client) open(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	body, endpointURL, err := c.buildPayload(req, stream)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.callOnce(ctx, req, endpointURL, body, stream)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) buildPayload(req Request, stream bool) ([]byte, string, error) {
	endpointURL, err := buildEndpointURL(req.Provider)
	if err != nil {
		return nil, "", err
	}

	if req.Provider.Wire == catalog.WireAnthropic {
		b, err := anthropic_messages.BuildBody(req.Model, req.Messages, stream)
		if err != nil {
			return nil, "", err
		}
		return b, endpointURL, nil
	}

	payload := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		Stream:   stream,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	if stream && req.Provider.StreamUsage {
		payload.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) callOnce(ctx context.Context, r Request, endpointURL string, body []byte, stream bool) (resp *http.Response, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if r.Provider.Wire == catalog.WireAnthropic {
		anthropic_messages.SetAuth(req.Header, r.APIKey)
	} else if strings.TrimSpace(r.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err = c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, false, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
	err = fmt.Errorf("%s returned status %d: %s", r.Provider.Name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, err
	}
	return nil, false, err
}

func buildEndpointURL(p catalog.ProviderConfig) (string, error) {
	base := strings.TrimSpace(p.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	suffix := "/chat/completions"
	if p.Wire == catalog.WireAnthropic {
		suffix = "/messages"
	}
	if strings.HasSuffix(base, suffix) {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	return u.String(), nil
}

type frame struct {
	text             string
	promptTokens     int
	completionTokens int
	done             bool
	err              string
}

func framePayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

func parseFrame(wire catalog.Wire, payload []byte) (frame, error) {
	if wire == catalog.WireAnthropic {
		f, err := anthropic_messages.ParseFrame(payload)
		if err != nil {
			return frame{}, err
		}
		return frame{
			text:             f.Text,
			promptTokens:     f.PromptTokens,
			completionTokens: f.CompletionTokens,
			done:             f.Done,
			err:              f.Err,
		}, nil
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return frame{}, err
	}
	var f frame
	if len(chunk.Choices) > 0 {
		f.text = chunk.Choices[0].Delta.Content
	}
	if chunk.Usage != nil {
		f.promptTokens = chunk.Usage.PromptTokens
		f.completionTokens = chunk.Usage.CompletionTokens
	}
	return f, nil
}

type usage struct {
	prompt     int
	completion int
}

func (u *usage) observe(prompt, completion int) {
	if prompt > 0 {
		u.prompt = prompt
	}
	if completion > 0 {
		u.completion = completion
	}
}

func (u usage) total() int {
	return u.prompt + u.completion
}

func parseChatCompletions(body []byte) (string, int, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", 0, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("empty choices in chat completion response")
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, resp.Usage.TotalTokens, nil
	}
	return anyToText(resp.Choices[0].Message.Content), resp.Usage.TotalTokens, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func describe(ctx context.Context, err error) string {
	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, ErrIdleTimeout), errors.Is(cause, ErrRelayTimeout):
			return cause.Error()
		case errors.Is(cause, context.Canceled):
			return "request canceled"
		}
	}
	if err == nil {
		return "upstream provider error"
	}
	return err.Error()
}
