// Copyright 2024-2026 Aiku AI

// Package urlclean resolves shortened links to their final destination and
// strips tracking parameters from product pages.
package urlclean

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultUserAgent is sent with expansion requests; shortener services
// answer some bot user agents with interstitial pages instead of
// redirects.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Expander follows redirects to resolve a URL to its final form. The zero
// value is not usable; construct with New.
type Expander struct {
	Client    *http.Client
	UserAgent string
}

// New returns an Expander whose requests are bounded by the given timeout.
func New(timeout time.Duration) *Expander {
	return &Expander{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: DefaultUserAgent,
	}
}

// Expand performs a GET on rawURL, following redirects, and returns the
// cleaned final URL. The response body is discarded.
func (e *Expander) Expand(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	if e.UserAgent != "" {
		req.Header.Set("User-Agent", e.UserAgent)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", rawURL, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	return Clean(resp.Request.URL.String()), nil
}

// Clean strips the query string from product-page URLs. Everything after
// the first "?" on a /dp/ or /gp/ URL is affiliate/tracking noise; other
// URLs are returned unchanged because their query strings may be
// meaningful.
func Clean(url string) string {
	if !isProductPage(url) {
		return url
	}
	if cut, _, found := strings.Cut(url, "?"); found {
		return cut
	}
	return url
}

func isProductPage(url string) bool {
	return strings.Contains(url, "/dp/") || strings.Contains(url, "/gp/")
}
