// Package oracle adapts the document store's search capability into a
// best-effort match oracle: given a noisy title it derives search terms and
// returns at most one stable identifier.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Searcher runs one search query. It returns "" when nothing matched.
type Searcher interface {
	Search(ctx context.Context, term string) (string, error)
}

// Resolver reports whether a stable identifier still points at a live document.
type Resolver interface {
	Resolve(ctx context.Context, id string) (bool, error)
}

// Config configures an Oracle.
type Config struct {
	Searcher Searcher
	Resolver Resolver

	// CacheSize bounds the term → identifier cache (default: 1024).
	CacheSize int

	// CacheTTL is how long a cached match is trusted (default: 10m).
	CacheTTL time.Duration

	// TermDelay is slept between consecutive term queries.
	TermDelay time.Duration

	Logger *log.Logger
}

// Oracle finds stable identifiers for titles.
type Oracle struct {
	searcher  Searcher
	resolver  Resolver
	cache     *expirable.LRU[string, string]
	termDelay time.Duration
	logger    *log.Logger
}

// New creates an Oracle. Searcher and Resolver are required.
func New(cfg Config) (*Oracle, error) {
	if cfg.Searcher == nil {
		return nil, fmt.Errorf("oracle: searcher is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("oracle: resolver is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	cache := expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL)
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Oracle{
		searcher:  cfg.Searcher,
		resolver:  cfg.Resolver,
		cache:     cache,
		termDelay: cfg.TermDelay,
		logger:    logger.WithPrefix("oracle"),
	}, nil
}

// FindIdentifier queries each derived term in order and returns the first
// hit. ok is false when nothing matched. A failed term is logged and the next
// one is tried; if no term matched and some term failed, that failure is
// returned so the caller can retry later instead of recording a miss.
func (o *Oracle) FindIdentifier(ctx context.Context, title string) (string, bool, error) {
	terms := ExtractSearchTerms(title)
	if len(terms) == 0 {
		o.logger.Debug("no search terms", "title", title)
		return "", false, nil
	}

	var firstErr error
	queried := 0
	for _, term := range terms {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		if id, ok := o.cache.Get(term); ok {
			o.logger.Debug("cache hit", "term", term, "id", id)
			return id, true, nil
		}

		if queried > 0 && o.termDelay > 0 {
			if err := sleep(ctx, o.termDelay); err != nil {
				return "", false, err
			}
		}
		queried++

		id, err := o.searcher.Search(ctx, term)
		if err != nil {
			o.logger.Warn("search failed", "term", term, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if id = strings.TrimSpace(id); id != "" {
			o.cache.Add(term, id)
			o.logger.Debug("match", "title", title, "term", term, "id", id)
			return id, true, nil
		}
	}

	if firstErr != nil {
		return "", false, fmt.Errorf("search %q: %w", title, firstErr)
	}
	return "", false, nil
}

// Resolve reports whether id still resolves to a document.
func (o *Oracle) Resolve(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	ok, err := o.resolver.Resolve(ctx, id)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", id, err)
	}
	if !ok {
		o.forget(id)
	}
	return ok, nil
}

// forget drops every cached term that matched id.
func (o *Oracle) forget(id string) {
	for _, term := range o.cache.Keys() {
		if cached, ok := o.cache.Peek(term); ok && cached == id {
			o.cache.Remove(term)
			o.logger.Debug("dropped stale match", "term", term, "id", id)
		}
	}
}

// Locator builds the stable-URI locator for id.
func Locator(scheme, id string) string {
	return scheme + "://" + id
}

// IdentifierFromLocator extracts the identifier from a locator built by Locator.
func IdentifierFromLocator(scheme, locator string) (string, bool) {
	id, ok := strings.CutPrefix(locator, scheme+"://")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
