package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediaingest "github.com/contaspt/media-ingest"
	"github.com/contaspt/media-ingest/analyzer"
	"github.com/contaspt/media-ingest/config"
	"github.com/contaspt/media-ingest/credentials"
	"github.com/contaspt/media-ingest/store"
)

func testRunContext(t *testing.T) (*runContext, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Storage.Path = filepath.Join(dir, "media")
	cfg.Documents.Path = filepath.Join(dir, "db", "documents.db")

	var out bytes.Buffer
	return &runContext{
		globals: &Globals{},
		config:  cfg,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		stdout:  &out,
	}, &out
}

func setEnvCredentials(t *testing.T) {
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "111")
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "EAAG0123456789abcdefwxyz")
	t.Setenv("WHATSAPP_VERIFY_TOKEN", "verify")
	t.Setenv("WHATSAPP_APP_SECRET", "")
	t.Setenv("GEMINI_API_KEY", "AIzaSyA-0123456789-abcd")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ADMIN_TOKEN", "")
}

func TestCLI_Parse(t *testing.T) {
	tests := []struct {
		args    []string
		command string
	}{
		{args: []string{}, command: "serve"},
		{args: []string{"serve", "--address", ":9000"}, command: "serve"},
		{args: []string{"check-config"}, command: "check-config"},
		{args: []string{"documents"}, command: "documents list"},
		{args: []string{"documents", "list", "--status", "failed", "--limit", "3"}, command: "documents list"},
		{args: []string{"documents", "show", "abc"}, command: "documents show <id>"},
		{args: []string{"retry", "--limit", "2"}, command: "retry"},
		{args: []string{"dedupe-documents", "--dry-run"}, command: "dedupe-documents"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			var cli CLI
			parser, err := kong.New(&cli, kong.Vars{"version": "test"})
			require.NoError(t, err)
			kctx, err := parser.Parse(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.command, kctx.Command())
		})
	}

	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse([]string{"retry", "--limit", "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, cli.Retry.Limit)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "INFO", "warn", "error"} {
		_, err := newLogger(config.LoggingConfig{Level: level, Format: "text"}, io.Discard)
		require.NoError(t, err, level)
	}

	var buf bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown", "component", "test")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])

	_, err = newLogger(config.LoggingConfig{Level: "loud"}, io.Discard)
	require.Error(t, err)
	_, err = newLogger(config.LoggingConfig{Format: "xml"}, io.Discard)
	require.Error(t, err)
}

func TestCheckConfig(t *testing.T) {
	t.Run("masks present secrets", func(t *testing.T) {
		setEnvCredentials(t)
		rc, out := testRunContext(t)

		require.NoError(t, (&CheckConfigCmd{}).Run(rc))
		assert.Regexp(t, `credentials\s+environment`, out.String())
		assert.Contains(t, out.String(), "AIzaSyA-01...abcd")
		assert.Contains(t, out.String(), "EAAG012345...wxyz")
		assert.NotContains(t, out.String(), "EAAG0123456789abcdefwxyz")
		assert.Regexp(t, `openai_api_key\s+missing`, out.String())
	})

	t.Run("fails on incomplete credentials", func(t *testing.T) {
		setEnvCredentials(t)
		t.Setenv("GEMINI_API_KEY", "")
		rc, _ := testRunContext(t)

		err := (&CheckConfigCmd{}).Run(rc)
		require.ErrorIs(t, err, credentials.ErrIncomplete)
	})
}

func TestBuildAnalyzer(t *testing.T) {
	rc, _ := testRunContext(t)

	_, err := rc.buildAnalyzer(&credentials.Credentials{})
	require.ErrorIs(t, err, errNoAnalyzer)

	a, err := rc.buildAnalyzer(&credentials.Credentials{OpenAIAPIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())

	a, err = rc.buildAnalyzer(&credentials.Credentials{OpenAIAPIKey: "sk-test", GeminiAPIKey: "AIza"})
	require.NoError(t, err)
	assert.Equal(t, "chain(gemini,openai)", a.Name())

	rc.config.Analyzer.Providers = []string{config.ProviderOpenAI}
	a, err = rc.buildAnalyzer(&credentials.Credentials{OpenAIAPIKey: "sk-test", GeminiAPIKey: "AIza"})
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())
}

func TestBuildApp(t *testing.T) {
	setEnvCredentials(t)
	rc, _ := testRunContext(t)

	a, err := rc.buildApp(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, "gemini", a.analyzer.Name())
	assert.Equal(t, []string{"verify"}, a.accounts.VerifyTokens())
	assert.NotNil(t, a.processor)
}

func seedDocuments(t *testing.T, rc *runContext) []*store.Document {
	t.Helper()
	db, err := rc.openDocuments()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	base := time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)
	var docs []*store.Document
	for i, mediaID := range []string{"media-a", "media-b", "media-a"} {
		doc := &store.Document{
			MediaKey:     mediaingest.MediaKey(mediaID, "351910000001"),
			MediaID:      mediaID,
			Sender:       "351910000001",
			Filename:     "Acme 15-03-2024.jpg",
			Status:       store.StatusCompleted,
			DocumentType: analyzer.TypeInvoice,
			Extracted:    &analyzer.ExtractedData{TotalAmount: 42.5},
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(ctx, doc))
		docs = append(docs, doc)
	}
	return docs
}

func TestDocumentsCommands(t *testing.T) {
	rc, out := testRunContext(t)
	docs := seedDocuments(t, rc)

	require.NoError(t, (&DocumentsListCmd{Limit: 10}).Run(rc))
	for _, d := range docs {
		assert.Contains(t, out.String(), d.ID)
	}
	assert.Contains(t, out.String(), "42.50")

	out.Reset()
	require.NoError(t, (&DocumentsListCmd{Status: "failed", Limit: 10, JSON: true}).Run(rc))
	assert.Equal(t, "null\n", out.String())

	out.Reset()
	require.NoError(t, (&DocumentsShowCmd{ID: docs[1].ID}).Run(rc))
	var shown struct {
		Document store.Document `json:"document"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &shown))
	assert.Equal(t, "media-b", shown.Document.MediaID)

	require.ErrorIs(t, (&DocumentsShowCmd{ID: "missing"}).Run(rc), store.ErrNotFound)
	require.Error(t, (&DocumentsListCmd{Status: "lost"}).Run(rc))
}

func TestDedupeDocumentsCmd(t *testing.T) {
	rc, out := testRunContext(t)
	docs := seedDocuments(t, rc)

	require.NoError(t, (&DedupeDocumentsCmd{DryRun: true}).Run(rc))
	assert.Contains(t, out.String(), "dry run: 1 duplicate document(s) in 1 group(s)")

	out.Reset()
	require.NoError(t, (&DedupeDocumentsCmd{}).Run(rc))
	assert.Contains(t, out.String(), "removed 1 duplicate document(s)")

	db, err := rc.openDocuments()
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get(context.Background(), docs[0].ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = db.Get(context.Background(), docs[2].ID)
	require.NoError(t, err)
}

func TestOpenDocuments_HeldByServer(t *testing.T) {
	rc, _ := testRunContext(t)
	held, err := rc.openDocuments()
	require.NoError(t, err)
	defer held.Close()

	_, err = rc.openDocuments()
	require.ErrorIs(t, err, store.ErrLocked)
	assert.Contains(t, err.Error(), "POST /documents/{id}/retry")

	err = (&DedupeDocumentsCmd{DryRun: true}).Run(rc)
	require.ErrorIs(t, err, store.ErrLocked)
}
