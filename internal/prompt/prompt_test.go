package prompt

import (
	"errors"
	"strings"
	"testing"

	"codegravity/internal/providers"
)

func TestComposeChatPrependsPersona(t *testing.T) {
	history := []providers.ChatMessage{
		{Role: providers.RoleUser, Content: "what is a goroutine?"},
		{Role: providers.RoleAssistant, Content: "a lightweight thread"},
		{Role: providers.RoleUser, Content: "and a channel?"},
	}
	msgs, err := Compose(ChatPayload{Messages: history})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(msgs) != len(history)+1 {
		t.Fatalf("expected %d messages, got %d", len(history)+1, len(msgs))
	}
	if msgs[0].Role != providers.RoleSystem || msgs[0].Content != SystemPersona {
		t.Fatalf("first message must be the persona, got %+v", msgs[0])
	}
	for i, m := range history {
		if msgs[i+1] != m {
			t.Fatalf("history message %d altered: %+v", i, msgs[i+1])
		}
	}
}

func TestComposeChatKeepsLongContent(t *testing.T) {
	long := strings.Repeat("x", 200_000)
	msgs, err := Compose(ChatPayload{Messages: []providers.ChatMessage{{Role: providers.RoleUser, Content: long}}})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if msgs[1].Content != long {
		t.Fatalf("content was truncated to %d bytes", len(msgs[1].Content))
	}
}

func TestComposeInlineEdit(t *testing.T) {
	msgs, err := Compose(EditPayload{
		Code:        "func add(a, b int) int { return a - b }",
		Instruction: "fix the bug",
		Language:    "go",
		Context:     EditContext{FilePath: "math/add.go", ProjectID: "p1", SurroundingCode: "package math"},
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != providers.RoleUser {
		t.Fatalf("expected one user message, got %+v", msgs)
	}
	body := msgs[0].Content
	for _, want := range []string{
		"expert go developer",
		"Return ONLY the modified code",
		"File: math/add.go",
		"Instruction: fix the bug",
		"```go\nfunc add(a, b int) int { return a - b }\n```",
		"Surrounding context:\npackage math",
		"Modified code:",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("prompt missing %q:\n%s", want, body)
		}
	}
}

func TestComposeInlineEditWithoutSurroundingCode(t *testing.T) {
	msgs, err := Compose(EditPayload{Code: "x", Instruction: "y", Language: "ts", Context: EditContext{FilePath: "a.ts"}})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if strings.Contains(msgs[0].Content, "Surrounding context") {
		t.Fatalf("unexpected surrounding context section")
	}
}

func TestComposeExplainAndFix(t *testing.T) {
	msgs, err := Compose(ExplainPayload{Code: "print(1)", Language: "python"})
	if err != nil {
		t.Fatalf("compose explain: %v", err)
	}
	if !strings.HasPrefix(msgs[0].Content, "Explain the following python code") {
		t.Fatalf("unexpected explain prompt %q", msgs[0].Content)
	}

	msgs, err = Compose(FixErrorPayload{Error: "undefined: foo", Code: "foo()", FilePath: "main.go"})
	if err != nil {
		t.Fatalf("compose fix: %v", err)
	}
	body := msgs[0].Content
	if !strings.Contains(body, "Error:\nundefined: foo") || !strings.Contains(body, "Related code (main.go):") {
		t.Fatalf("unexpected fix prompt:\n%s", body)
	}

	msgs, err = Compose(FixErrorPayload{Error: "panic"})
	if err != nil {
		t.Fatalf("compose fix without code: %v", err)
	}
	if strings.Contains(msgs[0].Content, "Related code") {
		t.Fatalf("related code section must be omitted without code")
	}
}

func TestValidateRejectsStructuralGaps(t *testing.T) {
	cases := []Payload{
		ChatPayload{},
		ChatPayload{Messages: []providers.ChatMessage{{Role: "tool", Content: "x"}}},
		EditPayload{Language: "go", Context: EditContext{FilePath: "a.go"}},
		EditPayload{Instruction: "x", Context: EditContext{FilePath: "a.go"}},
		EditPayload{Instruction: "x", Language: "go"},
		ExplainPayload{Code: "x"},
		FixErrorPayload{Code: "x"},
	}
	for i, p := range cases {
		if _, err := Compose(p); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("case %d: expected ErrInvalidPayload, got %v", i, err)
		}
	}
}

func TestChatWantsStreamDefaultsToTrue(t *testing.T) {
	if !(ChatPayload{}).WantsStream() {
		t.Fatalf("chat must stream by default")
	}
	off := false
	if (ChatPayload{Stream: &off}).WantsStream() {
		t.Fatalf("explicit stream=false ignored")
	}
}
