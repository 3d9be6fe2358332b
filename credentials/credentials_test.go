package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/contaspt/media-ingest/whatsapp"
	"github.com/stretchr/testify/require"
)

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_TOKEN", "secret123")

	input := `{"admin_token": {{ env "TEST_TOKEN" | json }}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.AdminToken)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	input := `{"admin_token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	input := `{"admin_token": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.AdminToken)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "gemini.key")
	require.NoError(t, os.WriteFile(tmpFile, []byte("AIza-file-secret\n"), 0o600))

	input := `{"gemini_api_key": {{ file "` + tmpFile + `" | json }}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "AIza-file-secret", creds.GeminiAPIKey)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	input := `{"admin_token": {{ env "TEST_SPECIAL" | json }}}`
	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.AdminToken)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mock := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{
		"admin_token": {{ mock "shared" | json }},
		"openai_api_key": {{ mock "shared" | json }}
	}`
	creds, err := NewResolver(WithProvider("mock", mock)).ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-shared", creds.AdminToken)
	require.Equal(t, "resolved-shared", creds.OpenAIAPIKey)
	require.Equal(t, 1, callCount, "provider should only be called once per ref")
}

func TestResolveReader_ProviderError(t *testing.T) {
	boom := errors.New("vault sealed")
	failing := func(context.Context, string) (string, error) { return "", boom }

	input := `{"admin_token": {{ vault "x" | json }}}`
	_, err := NewResolver(WithProvider("vault", failing)).ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), `provider "vault" failed`)
}

func TestResolveReader_FullCredentials(t *testing.T) {
	t.Setenv("WA_TOKEN_PT", "EAAG-portugal-token")
	t.Setenv("WA_TOKEN_ES", "EAAG-spain-token")
	t.Setenv("WA_SECRET", "app-secret")

	input := `{
		"admin_token": "admin-token",
		"gemini_api_key": "AIza-gemini",
		"whatsapp": [
			{
				"phone_number_id": "111",
				"display_number": "+351 910 000 000",
				"access_token": {{ env "WA_TOKEN_PT" | json }},
				"verify_token": "verify-pt",
				"app_secret": {{ env "WA_SECRET" | json }}
			},
			{
				"phone_number_id": "222",
				"access_token": {{ env "WA_TOKEN_ES" | json }},
				"verify_token": "verify-es"
			}
		]
	}`

	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.NoError(t, creds.Validate())

	require.Equal(t, "admin-token", creds.AdminToken)
	require.Equal(t, "AIza-gemini", creds.GeminiAPIKey)
	require.Len(t, creds.WhatsApp, 2)
	require.Equal(t, "EAAG-portugal-token", creds.WhatsApp[0].AccessToken)
	require.Equal(t, "app-secret", creds.WhatsApp[0].AppSecret)
	require.Equal(t, "222", creds.WhatsApp[1].PhoneNumberID)
	require.Empty(t, creds.WhatsApp[1].AppSecret)
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	input := `{"admin_token": {{ .UndefinedKey }}}`
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`not valid json`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_UnknownField(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`{"auth_tokn": "x"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth_tokn")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	input := strings.Repeat("x", maxInputSize+1)
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"admin_token": {{ env "TEST_TOKEN" | json }}}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AdminToken)

	_, err = NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestCredentials_Validate(t *testing.T) {
	valid := func() *Credentials {
		return &Credentials{
			OpenAIAPIKey: "sk-test",
			WhatsApp: []whatsapp.Account{{
				PhoneNumberID: "111",
				AccessToken:   "token",
				VerifyToken:   "verify",
			}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Credentials)
		wantErr string
	}{
		{name: "valid", mutate: func(*Credentials) {}},
		{name: "no accounts", mutate: func(c *Credentials) { c.WhatsApp = nil }, wantErr: "no whatsapp accounts"},
		{name: "no phone id", mutate: func(c *Credentials) { c.WhatsApp[0].PhoneNumberID = "" }, wantErr: "phone_number_id"},
		{name: "no access token", mutate: func(c *Credentials) { c.WhatsApp[0].AccessToken = "" }, wantErr: "access_token"},
		{name: "no verify token", mutate: func(c *Credentials) { c.WhatsApp[0].VerifyToken = "" }, wantErr: "verify_token"},
		{name: "no analyzer key", mutate: func(c *Credentials) { c.OpenAIAPIKey = "" }, wantErr: "gemini_api_key or openai_api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrIncomplete)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMask(t *testing.T) {
	require.Equal(t, "", Mask(""))
	require.Equal(t, "*****", Mask("short"))
	require.Equal(t, "sk-proj-ab...wxyz", Mask("sk-proj-abcdefghijklmnopqrstuvwxyz"))
}

func TestCredentials_Entries(t *testing.T) {
	c := &Credentials{
		GeminiAPIKey: "AIzaSyA-0123456789-abcd",
		WhatsApp:     []whatsapp.Account{{PhoneNumberID: "111", AccessToken: "EAAG0123456789xyz1234"}},
	}

	byName := map[string]Entry{}
	for _, e := range c.Entries() {
		byName[e.Name] = e
	}

	require.False(t, byName["admin_token"].Set)
	require.True(t, byName["gemini_api_key"].Set)
	require.Equal(t, "AIzaSyA-01...abcd", byName["gemini_api_key"].Value)
	require.Equal(t, "111", byName["whatsapp[0].phone_number_id"].Value)
	require.Equal(t, "EAAG012345...1234", byName["whatsapp[0].access_token"].Value)
	require.False(t, byName["whatsapp[0].app_secret"].Set)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "333")
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "token")
	t.Setenv("WHATSAPP_VERIFY_TOKEN", "verify")
	t.Setenv("WHATSAPP_APP_SECRET", "")
	t.Setenv("GEMINI_API_KEY", "gemini")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ADMIN_TOKEN", "")

	c := FromEnv()
	require.NoError(t, c.Validate())
	require.Len(t, c.WhatsApp, 1)
	require.Equal(t, "333", c.WhatsApp[0].PhoneNumberID)
}

func TestWithOnePassword(t *testing.T) {
	var gotArgs []string
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("op-secret\n"), nil
	}

	input := `{"openai_api_key": {{ op "op://Private/openai/credential" | json }}}`
	creds, err := NewResolver(WithOnePassword(run)).ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "op-secret", creds.OpenAIAPIKey)
	require.Equal(t, []string{"op", "read", "--no-newline", "op://Private/openai/credential"}, gotArgs)

	_, err = NewResolver(WithOnePassword(run)).ResolveReader(context.Background(), strings.NewReader(`{"admin_token": {{ op "Private/x" | json }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "must start with op://")
}
