// Package keywords serves the process-wide keyword configuration from the store.
package keywords

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// Provider is a read-through accessor over the stored keyword set. Nothing is
// cached, so updates apply to the next crawl.
type Provider struct {
	store    crawler.KeywordStore
	defaults []string
	logger   *zap.Logger
}

// NewProvider wraps store; defaults are seeded when nothing is stored yet.
func NewProvider(store crawler.KeywordStore, defaults []string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		store:    store,
		defaults: Sanitize(defaults),
		logger:   logger,
	}
}

// Current implements crawler.KeywordProvider. Store failures degrade to the
// defaults instead of failing the crawl.
func (p *Provider) Current(ctx context.Context) ([]string, error) {
	kws, err := p.Get(ctx)
	if err != nil {
		p.logger.Warn("keyword lookup failed; using defaults", zap.Error(err))
		return p.Defaults(), nil
	}
	return kws, nil
}

// Get returns the stored keywords, seeding the defaults on first use.
func (p *Provider) Get(ctx context.Context) ([]string, error) {
	kws, err := p.store.GetKeywordConfig(ctx)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		defaults := p.Defaults()
		if len(defaults) == 0 {
			return nil, nil
		}
		if err := p.store.SetKeywordConfig(ctx, defaults); err != nil {
			p.logger.Warn("seed default keywords", zap.Error(err))
		}
		return defaults, nil
	case err != nil:
		return nil, err
	}
	kws = Sanitize(kws)
	if len(kws) == 0 {
		return p.Defaults(), nil
	}
	return kws, nil
}

// Set replaces the keyword set. An empty list is rejected.
func (p *Provider) Set(ctx context.Context, kws []string) ([]string, error) {
	cleaned := Sanitize(kws)
	if len(cleaned) == 0 {
		return nil, &crawler.ConfigurationError{Reason: "keywords must not be empty"}
	}
	if err := p.store.SetKeywordConfig(ctx, cleaned); err != nil {
		return nil, err
	}
	p.logger.Info("keywords updated", zap.Strings("keywords", cleaned))
	return cleaned, nil
}

// Defaults returns a copy of the configured default keywords.
func (p *Provider) Defaults() []string {
	return append([]string(nil), p.defaults...)
}

// Sanitize trims entries and drops blanks and duplicates, keeping order.
func Sanitize(kws []string) []string {
	seen := make(map[string]struct{}, len(kws))
	out := make([]string, 0, len(kws))
	for _, kw := range kws {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
