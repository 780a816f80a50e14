package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"codegravity/internal/prompt"
	"codegravity/internal/providers"
	"codegravity/internal/providers/catalog"
	"codegravity/internal/providers/openai_compat"
	"codegravity/internal/ratelimit"
	"codegravity/internal/settings"
	"codegravity/internal/storage"
)

type fakeCreds struct {
	creds map[string]settings.Credentials
}

func (f fakeCreds) Lookup(_ context.Context, principal string) (settings.Credentials, error) {
	c, ok := f.creds[principal]
	if !ok {
		return settings.Credentials{}, settings.ErrNoCredential
	}
	return c, nil
}

type memRecorder struct {
	mu   sync.Mutex
	recs []storage.HistoryRecord
}

func (m *memRecorder) Record(_ context.Context, rec storage.HistoryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
}

func (m *memRecorder) all() []storage.HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.HistoryRecord(nil), m.recs...)
}

type sliceSink struct {
	events []providers.StreamEvent
	failAt int
}

func (s *sliceSink) Send(ev providers.StreamEvent) error {
	if s.failAt > 0 && len(s.events) == s.failAt {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func chunk(text string) string {
	b, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": text}}}})
	return "data: " + string(b) + "\n\n"
}

type harness struct {
	gw       *Gateway
	rec      *memRecorder
	mr       *miniredis.Miniredis
	upstream *int32
}

type harnessOpts struct {
	aiLimit   int64
	creds     settings.Credentials
	handler   http.HandlerFunc
	enforce   bool
	noCreds   bool
	provider  string
	redisDown bool
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	var calls int32
	handler := o.handler
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			for _, part := range []string{"Hel", "lo", " world"} {
				fmt.Fprint(w, chunk(part))
				w.(http.Flusher).Flush()
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	base := srv.URL + "/v1"
	cat, err := catalog.New(map[string]catalog.Override{
		catalog.OpenAI: {BaseURL: &base},
		catalog.Groq:   {BaseURL: &base},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	if o.redisDown {
		mr.Close()
	}

	limit := o.aiLimit
	if limit == 0 {
		limit = 20
	}
	creds := o.creds
	if creds.APIKey == "" {
		creds = settings.Credentials{Provider: "openai", APIKey: "sk-test", Streaming: true, MaxContextTokens: 4096}
	}
	if o.provider != "" {
		creds.Provider = o.provider
	}
	store := fakeCreds{creds: map[string]settings.Credentials{}}
	if !o.noCreds {
		store.creds["u1"] = creds
	}

	rec := &memRecorder{}
	gw := New(Config{
		Catalog:             cat,
		Credentials:         store,
		Limiter:             ratelimit.New(rdb, ratelimit.Config{Rules: map[ratelimit.Category]ratelimit.Rule{ratelimit.CategoryAI: {Limit: limit, Window: time.Minute}}, Logger: zerolog.Nop()}),
		Relay:               openai_compat.New(openai_compat.Config{BackoffBase: time.Millisecond}),
		Recorder:            rec,
		EnforceContextLimit: o.enforce,
		Logger:              zerolog.Nop(),
	})
	return &harness{gw: gw, rec: rec, mr: mr, upstream: &calls}
}

func chatPayload(text string) prompt.ChatPayload {
	return prompt.ChatPayload{Messages: []providers.ChatMessage{{Role: providers.RoleUser, Content: text}}, ProjectID: "proj-1"}
}

func TestStreamChatHappyPath(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", chatPayload("hello"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !s.Streaming() || s.State() != StateRateChecked || s.Provider() != "openai" || s.Model() != "gpt-4-turbo" {
		t.Fatalf("unexpected session streaming=%v state=%s provider=%s model=%s", s.Streaming(), s.State(), s.Provider(), s.Model())
	}

	sink := &sliceSink{}
	out := s.Stream(ctx, sink)
	if out.State != StateCompleted || out.Text != "Hello world" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	var got []string
	for _, ev := range sink.events {
		got = append(got, string(ev.Type)+":"+ev.Content)
	}
	want := "delta:Hel,delta:lo,delta: world,complete:"
	if strings.Join(got, ",") != want {
		t.Fatalf("expected %s, got %s", want, strings.Join(got, ","))
	}

	recs := h.rec.all()
	if len(recs) != 1 {
		t.Fatalf("expected one history record, got %d", len(recs))
	}
	r := recs[0]
	if r.Response != "Hello world" || r.Status != storage.HistoryCompleted || r.ActionType != "chat" ||
		r.Prompt != "hello" || r.ProjectID == nil || *r.ProjectID != "proj-1" || r.Provider != "openai" {
		t.Fatalf("unexpected history record %+v", r)
	}
}

func TestNoCredentialRejectsBeforeRateCheck(t *testing.T) {
	h := newHarness(t, harnessOpts{noCreds: true})

	_, err := h.gw.Prepare(context.Background(), "u1", chatPayload("hi"))
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if h.mr.Exists(ratelimit.Key("u1", ratelimit.CategoryAI)) {
		t.Fatalf("rate limit slot consumed for a rejected request")
	}
	if atomic.LoadInt32(h.upstream) != 0 || len(h.rec.all()) != 0 {
		t.Fatalf("rejected request reached upstream or history")
	}
}

func TestUnknownProviderInSettings(t *testing.T) {
	h := newHarness(t, harnessOpts{provider: "azure"})
	if _, err := h.gw.Prepare(context.Background(), "u1", chatPayload("hi")); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRateLimitedRequestNeverReachesUpstream(t *testing.T) {
	h := newHarness(t, harnessOpts{aiLimit: 1})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", chatPayload("one"))
	if err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	s.Stream(ctx, &sliceSink{})

	_, err = h.gw.Prepare(ctx, "u1", chatPayload("two"))
	var rl *RateLimitedError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Decision.RetryAfter <= 0 || rl.Decision.Remaining != 0 {
		t.Fatalf("unexpected decision %+v", rl.Decision)
	}
	if atomic.LoadInt32(h.upstream) != 1 || len(h.rec.all()) != 1 {
		t.Fatalf("denied request reached upstream or history")
	}
}

func TestFailsOpenWhenRedisIsDown(t *testing.T) {
	h := newHarness(t, harnessOpts{redisDown: true})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", chatPayload("hi"))
	if err != nil {
		t.Fatalf("prepare with redis down: %v", err)
	}
	if !s.Decision().Degraded {
		t.Fatalf("expected degraded decision")
	}
	if out := s.Stream(ctx, &sliceSink{}); out.State != StateCompleted {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestUpstreamFailureRecordsPartialText(t *testing.T) {
	h := newHarness(t, harnessOpts{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		fmt.Fprint(w, chunk("part"))
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", chatPayload("hi"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	sink := &sliceSink{}
	out := s.Stream(ctx, sink)
	if out.State != StateFailed || out.Text != "part" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	last := sink.events[len(sink.events)-1]
	if last.Type != providers.EventError || last.Message == "" {
		t.Fatalf("expected error terminal, got %+v", sink.events)
	}
	recs := h.rec.all()
	if len(recs) != 1 || recs[0].Status != storage.HistoryFailed || recs[0].Response != "part" {
		t.Fatalf("unexpected history %+v", recs)
	}
}

func TestNon2xxUpstreamSingleErrorEvent(t *testing.T) {
	h := newHarness(t, harnessOpts{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", chatPayload("hi"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	sink := &sliceSink{}
	s.Stream(ctx, sink)
	if len(sink.events) != 1 || sink.events[0].Type != providers.EventError {
		t.Fatalf("expected a single error event, got %+v", sink.events)
	}
}

func TestSinkFailureOnCompleteKeepsDisconnectMessage(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", chatPayload("hi"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	out := s.Stream(ctx, &sliceSink{failAt: 3})
	if out.State != StateCompleted || out.Text != "Hello world" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.HasPrefix(out.Message, "client disconnected") {
		t.Fatalf("expected disconnect message, got %q", out.Message)
	}
}

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	aborted := make(chan struct{})
	h := newHarness(t, harnessOpts{handler: func(w http.ResponseWriter, r *http.Request) {
		defer close(aborted)
		for i := 0; ; i++ {
			if _, err := fmt.Fprint(w, chunk(fmt.Sprintf("c%d ", i))); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", chatPayload("hi"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	out := s.Stream(ctx, &sliceSink{failAt: 2})
	if out.State != StateFailed || !strings.HasPrefix(out.Text, "c0 c1 ") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatalf("upstream was not cancelled after the client went away")
	}
	recs := h.rec.all()
	if len(recs) != 1 || recs[0].Status != storage.HistoryFailed {
		t.Fatalf("unexpected history %+v", recs)
	}
}

func TestInlineEditCarriesFullCode(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", prompt.EditPayload{
		Code:        "x := 1",
		Instruction: "rename x",
		Language:    "go",
		Context:     prompt.EditContext{FilePath: "main.go", ProjectID: "proj-2"},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	sink := &sliceSink{}
	s.Stream(ctx, sink)

	if sink.events[0].Type != providers.EventStart {
		t.Fatalf("expected start first, got %+v", sink.events[0])
	}
	last := sink.events[len(sink.events)-1]
	if last.Type != providers.EventComplete || last.FullCode != "Hello world" {
		t.Fatalf("expected complete with fullCode, got %+v", last)
	}
	recs := h.rec.all()
	if recs[0].ActionType != "inline_edit" || recs[0].Prompt != "rename x" {
		t.Fatalf("unexpected history %+v", recs[0])
	}
}

func TestStreamingDisabledUsesCompletion(t *testing.T) {
	h := newHarness(t, harnessOpts{
		creds: settings.Credentials{Provider: "groq", APIKey: "gsk", Model: "llama3", Streaming: false},
		handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"whole reply"}}],"usage":{"total_tokens":9}}`))
		},
	})
	ctx := context.Background()

	s, err := h.gw.Prepare(ctx, "u1", chatPayload("hi"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if s.Streaming() {
		t.Fatalf("streaming must follow the principal's flag")
	}
	out, err := s.Complete(ctx)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Text != "whole reply" || out.Tokens != 9 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	recs := h.rec.all()
	if len(recs) != 1 || recs[0].Response != "whole reply" || recs[0].ModelUsed != "llama3" || recs[0].Provider != "groq" {
		t.Fatalf("unexpected history %+v", recs)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	h := newHarness(t, harnessOpts{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}})
	ctx := context.Background()
	s, err := h.gw.Prepare(ctx, "u1", chatPayload("hi"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := s.Complete(ctx); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if recs := h.rec.all(); len(recs) != 1 || recs[0].Status != storage.HistoryFailed {
		t.Fatalf("unexpected history %+v", recs)
	}
}

func TestContextLimit(t *testing.T) {
	big := strings.Repeat("a", 4096*4+16)
	creds := settings.Credentials{Provider: "openai", APIKey: "sk", Streaming: true, MaxContextTokens: 4096}

	h := newHarness(t, harnessOpts{creds: creds, enforce: true})
	if _, err := h.gw.Prepare(context.Background(), "u1", chatPayload(big)); !errors.Is(err, ErrContextTooLarge) {
		t.Fatalf("expected ErrContextTooLarge, got %v", err)
	}

	h = newHarness(t, harnessOpts{creds: creds})
	if _, err := h.gw.Prepare(context.Background(), "u1", chatPayload(big)); err != nil {
		t.Fatalf("limit must only warn when not enforced: %v", err)
	}
}

func TestInvalidPayloadRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	if _, err := h.gw.Prepare(context.Background(), "u1", prompt.ExplainPayload{Code: "x"}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
