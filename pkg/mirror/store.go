// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mirror

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is the stored created_at format: UTC, second precision,
// lexicographically ordered so retention cutoffs compare as strings.
const timeLayout = "2006-01-02 15:04:05"

func utcNow() string {
	return time.Now().UTC().Format(timeLayout)
}

// Filter is one row of the ordered rewrite chain. Replacement is either a
// regexp substitution template or the ExpandReplacement sentinel.
type Filter struct {
	ID          int64  `json:"id"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	SortOrder   int64  `json:"sort_order"`
}

// ChannelStat is the per-source forwarded-message count with its optional
// display label.
type ChannelStat struct {
	SourceID string `json:"source_id"`
	Name     string `json:"name"`
	Messages int64  `json:"messages"`
}

// Store is the durable state shared by the pipeline, the retention
// scheduler and the admin API. Each exported method is one logical
// operation and runs fully under the store mutex; multi-statement
// invariants (like the filter reorder swap) are therefore atomic with
// respect to the other workers. Nothing here talks to the network, so no
// method holds the lock for long.
type Store struct {
	mu sync.Mutex
	db *sql.DB
	// roDB is a second connection opened with query_only, used exclusively
	// for the admin ad-hoc query endpoint. Mutation attempts fail in the
	// engine, not in string matching.
	roDB *sql.DB
	log  zerolog.Logger
}

// OpenStore opens (and if needed creates) the state database.
func OpenStore(path string, log zerolog.Logger) (*Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	roDB, err := sql.Open("sqlite", dsn+"&_pragma=query_only(1)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open read-only connection: %w", err)
	}

	return &Store{
		db:   db,
		roDB: roDB,
		log:  log.With().Str("component", "store").Logger(),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roDB.Close()
	return s.db.Close()
}

// IsProcessed reports whether a final forward/skip decision was already
// made for the given message identity.
func (s *Store) IsProcessed(ctx context.Context, sourceID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM processed WHERE source_id = ? AND message_id = ?",
		sourceID, messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records the identity as handled and reports whether this
// call inserted it. Marking an already recorded identity is a no-op that
// returns false, which lets callers count each identity exactly once.
func (s *Store) MarkProcessed(ctx context.Context, sourceID, messageID string) (bool, error) {
	return s.markProcessedAt(ctx, sourceID, messageID, time.Now())
}

func (s *Store) markProcessedAt(ctx context.Context, sourceID, messageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed (source_id, message_id, created_at) VALUES (?, ?, ?)",
		sourceID, messageID, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteProcessedBefore removes identity rows older than the cutoff and
// returns how many were deleted.
func (s *Store) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM processed WHERE created_at < ?",
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old processed rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// KnownCodes returns the subset of the given (already normalized) codes
// that are present in the duplicate cache.
func (s *Store) KnownCodes(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]any, len(codes))
	for i, c := range codes {
		args[i] = c
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT code FROM duplicate_codes WHERE code IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up codes: %w", err)
	}
	defer rows.Close()

	var known []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan code: %w", err)
		}
		known = append(known, code)
	}
	return known, rows.Err()
}

// RecordCodes inserts unseen codes into the duplicate cache. Codes already
// present (including duplicates within the same call) are ignored.
func (s *Store) RecordCodes(ctx context.Context, codes []string) error {
	if len(codes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := utcNow()
	for _, code := range codes {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO duplicate_codes (code, created_at) VALUES (?, ?)",
			code, now,
		); err != nil {
			return fmt.Errorf("failed to record code: %w", err)
		}
	}
	return nil
}

// ClearCodes empties the duplicate-code cache and returns how many rows
// were removed.
func (s *Store) ClearCodes(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM duplicate_codes")
	if err != nil {
		return 0, fmt.Errorf("failed to clear code cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Filters returns the rewrite rules in application order.
func (s *Store) Filters(ctx context.Context) ([]Filter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, pattern, replacement, sort_order FROM url_filters ORDER BY sort_order, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list filters: %w", err)
	}
	defer rows.Close()

	var filters []Filter
	for rows.Next() {
		var f Filter
		if err := rows.Scan(&f.ID, &f.Pattern, &f.Replacement, &f.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan filter: %w", err)
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

// AddFilter appends a rule at the end of the chain and returns its ID.
func (s *Store) AddFilter(ctx context.Context, pattern, replacement string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxOrder int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sort_order), 0) FROM url_filters").Scan(&maxOrder)
	if err != nil {
		return 0, fmt.Errorf("failed to get max sort order: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO url_filters (pattern, replacement, sort_order) VALUES (?, ?, ?)",
		pattern, replacement, maxOrder+1,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add filter: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// UpdateFilter replaces the pattern and replacement of an existing rule.
func (s *Store) UpdateFilter(ctx context.Context, id int64, pattern, replacement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE url_filters SET pattern = ?, replacement = ? WHERE id = ?",
		pattern, replacement, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update filter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("filter %d not found", id)
	}
	return nil
}

func (s *Store) DeleteFilter(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM url_filters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete filter: %w", err)
	}
	return nil
}

// MoveFilterUp swaps the rule with its predecessor in the chain. The whole
// read-then-write sequence runs under the store lock. Moving the first rule
// up is a no-op.
func (s *Store) MoveFilterUp(ctx context.Context, id int64) error {
	return s.moveFilter(ctx, id, true)
}

// MoveFilterDown swaps the rule with its successor. Moving the last rule
// down is a no-op.
func (s *Store) MoveFilterDown(ctx context.Context, id int64) error {
	return s.moveFilter(ctx, id, false)
}

func (s *Store) moveFilter(ctx context.Context, id int64, up bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var order int64
	err := s.db.QueryRowContext(ctx,
		"SELECT sort_order FROM url_filters WHERE id = ?", id).Scan(&order)
	if err == sql.ErrNoRows {
		return fmt.Errorf("filter %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read filter: %w", err)
	}

	neighborQuery := "SELECT id, sort_order FROM url_filters WHERE sort_order > ? ORDER BY sort_order ASC LIMIT 1"
	if up {
		neighborQuery = "SELECT id, sort_order FROM url_filters WHERE sort_order < ? ORDER BY sort_order DESC LIMIT 1"
	}
	var neighborID, neighborOrder int64
	err = s.db.QueryRowContext(ctx, neighborQuery, order).Scan(&neighborID, &neighborOrder)
	if err == sql.ErrNoRows {
		// Already at the edge of the chain.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read neighbor filter: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE url_filters SET sort_order = ? WHERE id = ?", neighborOrder, id); err != nil {
		return fmt.Errorf("failed to swap filter order: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE url_filters SET sort_order = ? WHERE id = ?", order, neighborID); err != nil {
		return fmt.Errorf("failed to swap filter order: %w", err)
	}
	return nil
}

// SetChannelLabel stores a display name for a source channel.
func (s *Store) SetChannelLabel(ctx context.Context, sourceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO channels (source_id, name) VALUES (?, ?)",
		sourceID, strings.TrimSpace(name),
	)
	if err != nil {
		return fmt.Errorf("failed to set channel label: %w", err)
	}
	return nil
}

// ChannelStats aggregates forwarded-message counts per source. Configured
// sources come first in their configured order (with zero counts if
// nothing was forwarded yet); sources present in the data but no longer
// configured follow.
func (s *Store) ChannelStats(ctx context.Context, sources []string) ([]ChannelStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels := make(map[string]string)
	rows, err := s.db.QueryContext(ctx, "SELECT source_id, name FROM channels")
	if err != nil {
		return nil, fmt.Errorf("failed to read channel labels: %w", err)
	}
	for rows.Next() {
		var id string
		var name sql.NullString
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan channel label: %w", err)
		}
		labels[id] = name.String
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	rows, err = s.db.QueryContext(ctx,
		"SELECT source_id, COUNT(*) FROM processed GROUP BY source_id")
	if err != nil {
		return nil, fmt.Errorf("failed to count processed rows: %w", err)
	}
	var strays []string
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[id] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	configured := make(map[string]bool, len(sources))
	stats := make([]ChannelStat, 0, len(sources))
	for _, id := range sources {
		configured[id] = true
		stats = append(stats, ChannelStat{SourceID: id, Name: labels[id], Messages: counts[id]})
	}
	for id := range counts {
		if !configured[id] {
			strays = append(strays, id)
		}
	}
	// Map iteration order is random; keep the response stable.
	slices.Sort(strays)
	for _, id := range strays {
		stats = append(stats, ChannelStat{SourceID: id, Name: labels[id], Messages: counts[id]})
	}
	return stats, nil
}

// ReadOnlyQuery executes an ad-hoc statement on the query_only connection.
// Any statement that attempts a write fails with a database error. This
// capability is only handed to the admin API, never to the pipeline.
func (s *Store) ReadOnlyQuery(ctx context.Context, query string) (columns []string, results [][]any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.roDB.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err = rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range values {
			// Raw bytes are not JSON friendly.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		results = append(results, values)
	}
	return columns, results, rows.Err()
}
