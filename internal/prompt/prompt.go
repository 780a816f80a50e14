package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"codegravity/internal/providers"
)

var ErrInvalidPayload = errors.New("invalid payload")

type Mode string

const (
	ModeChat       Mode = "chat"
	ModeInlineEdit Mode = "inline_edit"
	ModeExplain    Mode = "explain"
	ModeFixError   Mode = "fix_error"
)

const SystemPersona = `You are a helpful AI coding assistant in CodeGravity AI, an AI-powered IDE.
Help the user with their coding questions and tasks. Be concise and precise.
Always provide code examples when relevant.`

// Payload is one validated AI request body.
type Payload interface {
	Mode() Mode
	// HistoryPrompt is the text stored as the prompt of the usage record.
	HistoryPrompt() string
	Project() string
	// WantsStream reports whether the caller asked for a streamed reply.
	WantsStream() bool
}

type ChatPayload struct {
	Messages  []providers.ChatMessage `json:"messages"`
	ProjectID string                  `json:"projectId,omitempty"`
	Stream    *bool                   `json:"stream,omitempty"`
}

func (p ChatPayload) Mode() Mode      { return ModeChat }
func (p ChatPayload) Project() string { return p.ProjectID }

func (p ChatPayload) HistoryPrompt() string {
	if len(p.Messages) == 0 {
		return ""
	}
	return p.Messages[len(p.Messages)-1].Content
}

func (p ChatPayload) WantsStream() bool {
	return p.Stream == nil || *p.Stream
}

type EditContext struct {
	FilePath        string `json:"filePath"`
	ProjectID       string `json:"projectId"`
	SurroundingCode string `json:"surroundingCode,omitempty"`
}

type EditPayload struct {
	Code        string      `json:"code"`
	Instruction string      `json:"instruction"`
	Language    string      `json:"language"`
	Context     EditContext `json:"context"`
}

func (p EditPayload) Mode() Mode            { return ModeInlineEdit }
func (p EditPayload) Project() string       { return p.Context.ProjectID }
func (p EditPayload) HistoryPrompt() string { return p.Instruction }
func (p EditPayload) WantsStream() bool     { return true }

type ExplainPayload struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	ProjectID string `json:"projectId,omitempty"`
}

func (p ExplainPayload) Mode() Mode            { return ModeExplain }
func (p ExplainPayload) Project() string       { return p.ProjectID }
func (p ExplainPayload) HistoryPrompt() string { return p.Code }
func (p ExplainPayload) WantsStream() bool     { return true }

type FixErrorPayload struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	FilePath  string `json:"filePath,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

func (p FixErrorPayload) Mode() Mode            { return ModeFixError }
func (p FixErrorPayload) Project() string       { return p.ProjectID }
func (p FixErrorPayload) HistoryPrompt() string { return p.Error }
func (p FixErrorPayload) WantsStream() bool     { return true }

var (
	editTmpl = template.Must(template.New("edit").Parse(`You are an expert {{.Language}} developer.
Edit the following code according to the instruction.
Return ONLY the modified code, no explanations.

File: {{.Context.FilePath}}

Instruction: {{.Instruction}}

Current code:
` + "```" + `{{.Language}}
{{.Code}}
` + "```" + `
{{if .Context.SurroundingCode}}
Surrounding context:
{{.Context.SurroundingCode}}
{{end}}
Modified code:`))

	explainTmpl = template.Must(template.New("explain").Parse(`Explain the following {{.Language}} code in a clear, concise way:

` + "```" + `{{.Language}}
{{.Code}}
` + "```" + `

Provide:
1. What this code does
2. Key concepts used
3. Any potential issues or improvements`))

	fixTmpl = template.Must(template.New("fix").Parse(`Fix the following error:

Error:
{{.Error}}
{{if .Code}}
Related code{{if .FilePath}} ({{.FilePath}}){{end}}:
` + "```" + `
{{.Code}}
` + "```" + `
{{end}}
Provide:
1. What caused this error
2. How to fix it
3. The corrected code if applicable`))
)

// Compose turns a payload into the message list sent upstream. Content is
// never truncated.
func Compose(p Payload) ([]providers.ChatMessage, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case ChatPayload:
		return composeChat(v), nil
	case EditPayload:
		return single(editTmpl, v)
	case ExplainPayload:
		return single(explainTmpl, v)
	case FixErrorPayload:
		return single(fixTmpl, v)
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalidPayload, p)
	}
}

func composeChat(p ChatPayload) []providers.ChatMessage {
	out := make([]providers.ChatMessage, 0, len(p.Messages)+1)
	out = append(out, providers.ChatMessage{Role: providers.RoleSystem, Content: SystemPersona})
	return append(out, p.Messages...)
}

func single(t *template.Template, data any) ([]providers.ChatMessage, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return []providers.ChatMessage{{Role: providers.RoleUser, Content: buf.String()}}, nil
}

// Validate checks only the structure each mode needs; content is never
// inspected.
func Validate(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	switch v := p.(type) {
	case ChatPayload:
		return validateChat(v)
	case EditPayload:
		return validateEdit(v)
	case ExplainPayload:
		return require("language", v.Language)
	case FixErrorPayload:
		return require("error", v.Error)
	}
	return nil
}

func validateChat(p ChatPayload) error {
	if len(p.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidPayload)
	}
	for i, m := range p.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has invalid role %q", ErrInvalidPayload, i, m.Role)
		}
	}
	return nil
}

func validateEdit(p EditPayload) error {
	if err := require("instruction", p.Instruction); err != nil {
		return err
	}
	if err := require("language", p.Language); err != nil {
		return err
	}
	return require("context.filePath", p.Context.FilePath)
}

func require(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
	}
	return nil
}
