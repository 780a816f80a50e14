package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"codegravity/internal/auth"
	"codegravity/internal/prompt"
	"codegravity/internal/settings"
	"codegravity/internal/storage"
)

const maxBodyBytes = 1 << 20

func decode[T prompt.Payload](w http.ResponseWriter, r *http.Request) (prompt.Payload, error) {
	var v T
	if err := decodeJSON(w, r, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", prompt.ErrInvalidPayload, err)
	}
	return nil
}

// relay serves one AI action. Streaming sessions answer with an SSE body
// whose status is already committed, so later failures travel as error
// events rather than status codes.
func (a *api) relay(parse func(http.ResponseWriter, *http.Request) (prompt.Payload, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFrom(r.Context())
		payload, err := parse(w, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		sess, err := a.cfg.Gateway.Prepare(r.Context(), principal, payload)
		if err != nil {
			writeError(w, r, err)
			return
		}
		setRateHeaders(w, sess.Decision())

		if !sess.Streaming() {
			out, err := sess.Complete(r.Context())
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeData(w, map[string]any{"content": out.Text, "tokens": out.Tokens})
			return
		}

		out := sess.Stream(r.Context(), newSSESink(w))
		hlog.FromRequest(r).Debug().
			Str("provider", sess.Provider()).
			Str("model", sess.Model()).
			Str("state", out.State.String()).
			Int("tokens", out.Tokens).
			Msg("stream finished")
	}
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	limit := storage.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", prompt.ErrInvalidPayload))
			return
		}
		limit = n
	}
	recs, err := a.cfg.History.ListHistory(r.Context(), principal, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]historyView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newHistoryView(rec))
	}
	writeData(w, out)
}

type historyView struct {
	ID         string    `json:"id"`
	ProjectID  *string   `json:"projectId"`
	ActionType string    `json:"actionType"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	TokensUsed int       `json:"tokensUsed"`
	ModelUsed  string    `json:"modelUsed"`
	Provider   string    `json:"provider"`
	DurationMs int64     `json:"durationMs"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newHistoryView(r storage.HistoryRecord) historyView {
	return historyView{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		ActionType: r.ActionType,
		Prompt:     r.Prompt,
		Response:   r.Response,
		TokensUsed: r.TokensUsed,
		ModelUsed:  r.ModelUsed,
		Provider:   r.Provider,
		DurationMs: r.DurationMs,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
	}
}

type providerView struct {
	Name         string   `json:"name"`
	DefaultModel string   `json:"defaultModel"`
	Models       []string `json:"models"`
}

func (a *api) providers(w http.ResponseWriter, r *http.Request) {
	list := a.cfg.Catalog.List()
	out := make([]providerView, 0, len(list))
	for _, p := range list {
		out = append(out, providerView{Name: p.Name, DefaultModel: p.DefaultModel, Models: p.Models})
	}
	writeData(w, out)
}

func (a *api) getSettings(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	v, err := a.cfg.Settings.Get(r.Context(), principal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, v)
}

func (a *api) putSettings(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	var u settings.Update
	if err := decodeJSON(w, r, &u); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.cfg.Settings.Apply(r.Context(), principal, u); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, "AI settings updated")
}

type testKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

func (a *api) testKey(w http.ResponseWriter, r *http.Request) {
	var req testKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	err := a.cfg.Settings.TestKey(r.Context(), req.Provider, req.APIKey)
	switch {
	case err == nil:
		writeData(w, map[string]bool{"valid": true})
	case errors.Is(err, settings.ErrInvalidKey):
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]bool{"valid": false}, Message: err.Error()})
	default:
		writeError(w, r, err)
	}
}

func (a *api) deleteProviderKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	if err := a.cfg.Settings.DeleteProviderKey(r.Context(), principal, chi.URLParam(r, "provider")); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, "Provider key removed")
}
