package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownProvider = errors.New("unknown provider")

type Wire string

const (
	WireOpenAI    Wire = "openai"
	WireAnthropic Wire = "anthropic"
)

const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
	DeepSeek  = "deepseek"
	Groq      = "groq"
	Ollama    = "ollama"
)

// ProviderConfig describes how to reach one upstream. Values are copied out of
// the catalog so callers cannot mutate the shared table.
type ProviderConfig struct {
	Name         string
	BaseURL      string
	DefaultModel string
	Models       []string
	Wire         Wire
	// StreamUsage asks the upstream to append a usage frame to streams.
	StreamUsage bool
}

func (p ProviderConfig) Supports(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

type Catalog struct {
	providers map[string]ProviderConfig
}

func builtin() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		OpenAI: {
			BaseURL:     "https://api.openai.com/v1",
			Models:      []string{"gpt-4-turbo", "gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"},
			Wire:        WireOpenAI,
			StreamUsage: true,
		},
		Anthropic: {
			BaseURL: "https://api.anthropic.com/v1",
			Models:  []string{"claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307"},
			Wire:    WireAnthropic,
		},
		Gemini: {
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
			Models:  []string{"gemini-1.5-pro", "gemini-pro"},
			Wire:    WireOpenAI,
		},
		DeepSeek: {
			BaseURL:     "https://api.deepseek.com/v1",
			Models:      []string{"deepseek-coder", "deepseek-chat"},
			Wire:        WireOpenAI,
			StreamUsage: true,
		},
		Groq: {
			BaseURL: "https://api.groq.com/openai/v1",
			Models:  []string{"llama-3.1-70b-versatile", "llama-3.1-8b-instant", "mixtral-8x7b-32768"},
			Wire:    WireOpenAI,
		},
		Ollama: {
			BaseURL: "http://localhost:11434/v1",
			Models:  []string{"codellama", "llama3", "mistral"},
			Wire:    WireOpenAI,
		},
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, _ := New(nil)
	return c
}

// Override replaces fields of a built-in provider. Empty fields keep the
// built-in value, except BaseURL which may be cleared on purpose.
type Override struct {
	BaseURL     *string  `yaml:"base_url"`
	Models      []string `yaml:"models"`
	StreamUsage *bool    `yaml:"stream_usage"`
}

func New(overrides map[string]Override) (*Catalog, error) {
	table := builtin()
	for name, o := range overrides {
		key := normalize(name)
		p, ok := table[key]
		if !ok {
			return nil, fmt.Errorf("override %q: %w", name, ErrUnknownProvider)
		}
		if o.BaseURL != nil {
			p.BaseURL = strings.TrimSpace(*o.BaseURL)
		}
		if len(o.Models) > 0 {
			p.Models = append([]string(nil), o.Models...)
		}
		if o.StreamUsage != nil {
			p.StreamUsage = *o.StreamUsage
		}
		table[key] = p
	}
	for name, p := range table {
		p.Name = name
		if len(p.Models) > 0 {
			p.DefaultModel = p.Models[0]
		}
		table[name] = p
	}
	return &Catalog{providers: table}, nil
}

// Load builds the catalog, applying the YAML overrides file when path is set.
//
//	providers:
//	  ollama:
//	    base_url: http://gpu-box:11434/v1
//	    models: [qwen2.5-coder, llama3]
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return New(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var doc struct {
		Providers map[string]Override `yaml:"providers"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	return New(doc.Providers)
}

func (c *Catalog) Resolve(name string) (ProviderConfig, error) {
	p, ok := c.providers[normalize(name)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if p.BaseURL == "" {
		// groq, deepseek and friends speak the openai dialect, so that is the
		// only sensible shape when a provider has no endpoint of its own.
		p.BaseURL = c.providers[OpenAI].BaseURL
		p.Wire = WireOpenAI
	}
	p.Models = append([]string(nil), p.Models...)
	return p, nil
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.providers))
	for name := range c.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) List() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.providers))
	for _, name := range c.Names() {
		p, _ := c.Resolve(name)
		out = append(out, p)
	}
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
