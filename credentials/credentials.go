// Package credentials renders the secrets template: a JSON document with
// Go template functions that pull values from the environment, files or
// external secret providers.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/contaspt/media-ingest/whatsapp"
)

const (
	maxInputSize  = 1 << 20
	maxOutputSize = 1 << 20
)

var ErrIncomplete = errors.New("incomplete credentials")

// Credentials holds every secret the service needs.
type Credentials struct {
	// AdminToken protects the document and media endpoints when set.
	AdminToken string `json:"admin_token,omitempty"`

	WhatsApp []whatsapp.Account `json:"whatsapp,omitempty"`

	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
	OpenAIAPIKey string `json:"openai_api_key,omitempty"`
}

// Validate checks that at least one WhatsApp account is usable and that
// an analyzer key is present.
func (c *Credentials) Validate() error {
	if len(c.WhatsApp) == 0 {
		return fmt.Errorf("%w: no whatsapp accounts", ErrIncomplete)
	}
	for i, acct := range c.WhatsApp {
		if acct.PhoneNumberID == "" {
			return fmt.Errorf("%w: whatsapp[%d].phone_number_id is required", ErrIncomplete, i)
		}
		if acct.AccessToken == "" {
			return fmt.Errorf("%w: whatsapp[%d].access_token is required", ErrIncomplete, i)
		}
		if acct.VerifyToken == "" {
			return fmt.Errorf("%w: whatsapp[%d].verify_token is required", ErrIncomplete, i)
		}
	}
	if c.GeminiAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: gemini_api_key or openai_api_key is required", ErrIncomplete)
	}
	return nil
}

// Entry is one secret as shown by check-config.
type Entry struct {
	Name  string
	Value string
	Set   bool
}

// Entries lists every secret with its value masked.
func (c *Credentials) Entries() []Entry {
	entries := []Entry{
		entry("admin_token", c.AdminToken),
		entry("gemini_api_key", c.GeminiAPIKey),
		entry("openai_api_key", c.OpenAIAPIKey),
	}
	for i, acct := range c.WhatsApp {
		prefix := fmt.Sprintf("whatsapp[%d].", i)
		entries = append(entries,
			Entry{Name: prefix + "phone_number_id", Value: acct.PhoneNumberID, Set: acct.PhoneNumberID != ""},
			entry(prefix+"access_token", acct.AccessToken),
			entry(prefix+"verify_token", acct.VerifyToken),
			entry(prefix+"app_secret", acct.AppSecret),
		)
	}
	return entries
}

func entry(name, value string) Entry {
	return Entry{Name: name, Value: Mask(value), Set: value != ""}
}

// Mask keeps the first ten and last four characters of long secrets and
// hides short ones entirely.
func Mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 16:
		return strings.Repeat("*", len(s))
	}
	return s[:10] + "..." + s[len(s)-4:]
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("credentials resolved", "path", path, "accounts", len(creds.WhatsApp))
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader. Provider
// lookups are memoized for the duration of one resolution.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	dec := json.NewDecoder(&buf)
	dec.DisallowUnknownFields()
	var creds Credentials
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	return &creds, nil
}

func (r *Resolver) funcMap(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	resolved := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := resolved[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			resolved[key] = val
			return val, nil
		}
	}
	return fm
}

// FromEnv builds credentials from the conventional environment variables
// when no template is configured. A single WhatsApp account is read from
// WHATSAPP_PHONE_NUMBER_ID, WHATSAPP_ACCESS_TOKEN, WHATSAPP_VERIFY_TOKEN
// and WHATSAPP_APP_SECRET.
func FromEnv() *Credentials {
	creds := &Credentials{
		AdminToken:   os.Getenv("ADMIN_TOKEN"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
	}
	acct := whatsapp.Account{
		PhoneNumberID: os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
		AccessToken:   os.Getenv("WHATSAPP_ACCESS_TOKEN"),
		VerifyToken:   os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		AppSecret:     os.Getenv("WHATSAPP_APP_SECRET"),
	}
	if acct.PhoneNumberID != "" || acct.AccessToken != "" {
		creds.WhatsApp = []whatsapp.Account{acct}
	}
	return creds
}
