// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mirror

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Status is the service lifecycle state persisted alongside the counter.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusReset    Status = "reset"
	StatusError    Status = "error"
	StatusUnknown  Status = "unknown"
)

// Stats is the observability record: a running forwarded-message counter
// and the service status. The file is fully rewritten on every update.
type Stats struct {
	Messages int64  `json:"messages"`
	Status   Status `json:"status"`
}

// StatsRecorder owns the stats file. It has its own mutex, independent of
// the store lock: a stats write lost in a crash after delivery must never
// make the message eligible again, so stats are deliberately not
// transactional with the store.
type StatsRecorder struct {
	mu      sync.Mutex
	path    string
	current Stats
	log     zerolog.Logger
}

// OpenStatsRecorder loads (or initializes) the stats file. A missing file
// starts at zero with StatusStarting; an unreadable one resets the counter
// and records StatusReset so the loss is visible.
func OpenStatsRecorder(path string, log zerolog.Logger) *StatsRecorder {
	r := &StatsRecorder{
		path: path,
		log:  log.With().Str("component", "stats").Logger(),
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		r.current = Stats{Status: StatusStarting}
	case err != nil:
		r.log.Warn().Err(err).Msg("Failed to read stats file, resetting")
		r.current = Stats{Status: StatusReset}
	default:
		if jsonErr := json.Unmarshal(data, &r.current); jsonErr != nil {
			r.log.Warn().Err(jsonErr).Msg("Corrupt stats file, resetting")
			r.current = Stats{Status: StatusReset}
		}
	}
	return r
}

// Current returns a copy of the in-memory stats.
func (r *StatsRecorder) Current() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetStatus updates the status and persists.
func (r *StatsRecorder) SetStatus(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Status = status
	r.persistLocked()
}

// Increment bumps the forwarded-message counter and persists.
func (r *StatsRecorder) Increment() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Messages++
	r.persistLocked()
}

// persistLocked rewrites the whole file and fsyncs before returning, so a
// reader never sees a partial record and a crash loses at most the write
// in flight.
func (r *StatsRecorder) persistLocked() {
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to open stats file")
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(r.current); err != nil {
		r.log.Error().Err(err).Msg("Failed to write stats file")
		return
	}
	if err := f.Sync(); err != nil {
		r.log.Error().Err(err).Msg("Failed to sync stats file")
	}
}

// ReadStats reads the stats file the way an external observer would. A
// missing file reports StatusUnknown, an unreadable one StatusError.
func ReadStats(path string) Stats {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Stats{Status: StatusUnknown}
	}
	if err != nil {
		return Stats{Status: StatusError}
	}
	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		return Stats{Status: StatusError}
	}
	return stats
}
