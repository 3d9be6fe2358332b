package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Chain tries each analyzer in order and returns the first success.
type Chain struct {
	analyzers []Analyzer
	logger    *slog.Logger
}

func NewChain(logger *slog.Logger, analyzers ...Analyzer) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		analyzers: analyzers,
		logger:    logger.With("component", "analyzer-chain"),
	}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.analyzers))
	for i, a := range c.analyzers {
		names[i] = a.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Analyze returns the joined error of every analyzer when all fail.
// Provider errors already name their provider.
// A cancelled context stops the chain early.
func (c *Chain) Analyze(ctx context.Context, in Input) (*Result, error) {
	if len(c.analyzers) == 0 {
		return nil, errors.New("no analyzers configured")
	}

	var errs []error
	for _, a := range c.analyzers {
		res, err := a.Analyze(ctx, in)
		if err == nil {
			return res, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("analyzer failed, trying next", "provider", a.Name(), "error", err)
	}
	return nil, errors.Join(errs...)
}
