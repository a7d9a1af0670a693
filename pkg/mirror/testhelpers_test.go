// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mirror

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// newTestStore opens a store backed by a throwaway database file.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "state.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// writeTestConfig writes a config file and returns a loader for it.
func writeTestConfig(t *testing.T, content string) *ConfigLoader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return NewConfigLoader(path)
}

const minimalConfigYAML = `server_url: https://mm.example.com
token: test-token
dest_channel: destchan
source_channels:
  - src1
  - src2
admin:
  password: hunter2
`

// fakeDeliverer captures delivered messages for assertions.
type fakeDeliverer struct {
	mu         sync.Mutex
	delivered  []string
	attachment *Attachment
	err        error
}

func (d *fakeDeliverer) Deliver(_ context.Context, text string, attachment *Attachment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.delivered = append(d.delivered, text)
	d.attachment = attachment
	return nil
}

func (d *fakeDeliverer) Delivered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]string, len(d.delivered))
	copy(cp, d.delivered)
	return cp
}
