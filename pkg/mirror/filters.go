// Copyright 2024-2026 Aiku AI

package mirror

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-mirror/pkg/mirror/urlclean"
)

// ExpandReplacement is the sentinel replacement value that marks a filter
// as a network link-expansion rule instead of a regexp substitution.
const ExpandReplacement = "amz"

// regexCache memoizes compiled patterns. Patterns come from user-editable
// rows, so compilation can fail; a failed pattern is cached too and logged
// once, and its rule stays disabled until corrected administratively.
type regexCache struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
	log      zerolog.Logger
}

func newRegexCache(log zerolog.Logger) *regexCache {
	return &regexCache{
		compiled: make(map[string]*regexp.Regexp),
		log:      log,
	}
}

// get returns the compiled pattern, or nil if it does not compile.
func (rc *regexCache) get(pattern string) *regexp.Regexp {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	re, seen := rc.compiled[pattern]
	if seen {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		rc.log.Error().Err(err).Str("pattern", pattern).Msg("Invalid pattern, rule disabled")
		re = nil
	}
	rc.compiled[pattern] = re
	return re
}

// Chain applies the stored rewrite rules to message text. Rules are
// fetched in sort order on every call so admin edits apply to the next
// message with no restart or cache flush.
type Chain struct {
	store    *Store
	expander *urlclean.Expander
	patterns *regexCache
	log      zerolog.Logger
}

func NewChain(store *Store, expander *urlclean.Expander, log zerolog.Logger) *Chain {
	log = log.With().Str("component", "filters").Logger()
	return &Chain{
		store:    store,
		expander: expander,
		patterns: newRegexCache(log),
		log:      log,
	}
}

// Apply runs text through the filter chain. Each rule sees the output of
// the previous one. A failing rule is skipped, leaving its input
// unchanged, but a failure to load the rules at all is an error: the
// caller must not forward text that never saw the chain.
func (c *Chain) Apply(ctx context.Context, text string) (string, error) {
	if text == "" {
		return text, nil
	}

	filters, err := c.store.Filters(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load filters: %w", err)
	}

	for _, f := range filters {
		re := c.patterns.get(f.Pattern)
		if re == nil {
			continue
		}
		if f.Replacement == ExpandReplacement {
			text = c.expandLinks(ctx, re, text)
			continue
		}
		rewritten := re.ReplaceAllString(text, f.Replacement)
		if rewritten != text {
			c.log.Info().Str("pattern", f.Pattern).Msg("Filter matched")
			text = rewritten
		}
	}
	return text, nil
}

// expandLinks resolves every distinct match of re and substitutes the
// final URLs back into the text. A URL that fails to resolve is left as it
// was; the store lock is never held here, so slow hosts only slow this
// message down.
func (c *Chain) expandLinks(ctx context.Context, re *regexp.Regexp, text string) string {
	seen := make(map[string]bool)
	for _, url := range re.FindAllString(text, -1) {
		if seen[url] {
			continue
		}
		seen[url] = true

		final, err := c.expander.Expand(ctx, url)
		if err != nil {
			c.log.Warn().Err(err).Str("url", url).Msg("Failed to expand URL")
			continue
		}
		if final != url {
			text = strings.ReplaceAll(text, url, final)
			c.log.Info().Str("url", url).Str("final_url", final).Msg("Expanded URL")
		}
	}
	return text
}
