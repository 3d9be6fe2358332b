// Command media-ingest receives WhatsApp media, extracts invoice and
// expense data with an AI analyzer and keeps the resulting documents.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/contaspt/media-ingest/config"
)

var version = "dev"

// Globals are shared by every subcommand.
type Globals struct {
	Config      string `help:"Path to the YAML configuration file." env:"MEDIA_INGEST_CONFIG" type:"path"`
	Credentials string `help:"Path to the credentials template. Overrides credentials_file; without either, secrets are read from the environment." env:"MEDIA_INGEST_CREDENTIALS" type:"path"`
	LogLevel    string `help:"Log level (debug, info, warn, error)." env:"LOG_LEVEL"`
	LogFormat   string `help:"Log format (text, json)." env:"LOG_FORMAT"`
	OnePassword bool   `name:"op" help:"Enable the op template function for 1Password secret references." env:"MEDIA_INGEST_OP"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type CLI struct {
	Globals

	Serve           ServeCmd           `cmd:"" default:"1" help:"Run the webhook server (default)."`
	CheckConfig     CheckConfigCmd     `cmd:"" help:"Show which settings and secrets are present, masked."`
	Documents       DocumentsCmd       `cmd:"" help:"Inspect stored documents. Needs the document database, so it fails while serve is running."`
	Retry           RetryCmd           `cmd:"" help:"Re-analyse failed documents. Fails while serve is running; use POST /documents/{id}/retry on the server instead."`
	DedupeDocuments DedupeDocumentsCmd `cmd:"" help:"Remove duplicate documents for the same media. Stop serve first."`
}

// runContext is bound into every command's Run method.
type runContext struct {
	globals *Globals
	config  *config.Config
	logger  *slog.Logger
	stdout  io.Writer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("media-ingest"),
		kong.Description("WhatsApp media ingestion with AI document extraction."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	rc, err := newRunContext(&cli.Globals, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	kctx.FatalIfErrorf(kctx.Run(rc))
}

func newRunContext(g *Globals, stdout io.Writer) (*runContext, error) {
	cfg := config.Default()
	if g.Config != "" {
		loaded, err := config.Load(g.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	if g.Credentials != "" {
		cfg.CredentialsFile = g.Credentials
	}

	logger, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &runContext{globals: g, config: cfg, logger: logger, stdout: stdout}, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "", "text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}
