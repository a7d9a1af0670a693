// Copyright 2024-2026 Aiku AI

package mirror

import (
	"strings"

	"github.com/rs/zerolog"
)

// NormalizeCode canonicalizes a code for storage and lookup: codes differ
// only by case or surrounding whitespace must collide.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Extractor pulls duplicate-suppression codes out of filtered message
// text. The pattern is supplied by a provider function so configuration
// edits apply to the next message without a restart.
type Extractor struct {
	pattern  func() string
	patterns *regexCache
	log      zerolog.Logger
}

// NewExtractor creates an extractor. pattern is called on every Extract;
// an empty return falls back to DefaultCodePattern.
func NewExtractor(pattern func() string, log zerolog.Logger) *Extractor {
	log = log.With().Str("component", "codes").Logger()
	return &Extractor{
		pattern:  pattern,
		patterns: newRegexCache(log),
		log:      log,
	}
}

// Extract returns the normalized codes found in text, de-duplicated in
// order of first appearance. If the configured pattern has a capture
// group, the group's content is the code; otherwise the whole match is. A
// pattern that fails to compile disables extraction entirely (empty
// result) rather than aborting the pipeline.
func (e *Extractor) Extract(text string) []string {
	if text == "" {
		return nil
	}

	pattern := e.pattern()
	if pattern == "" {
		pattern = DefaultCodePattern
	}
	re := e.patterns.get(pattern)
	if re == nil {
		return nil
	}

	useGroup := re.NumSubexp() > 0
	seen := make(map[string]bool)
	var codes []string
	for _, match := range re.FindAllStringSubmatch(text, -1) {
		raw := match[0]
		if useGroup && match[1] != "" {
			raw = match[1]
		}
		code := NormalizeCode(raw)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes
}
