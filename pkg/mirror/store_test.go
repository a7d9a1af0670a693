// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mirror

import (
	"context"
	"testing"
	"time"
)

func TestProcessedIdentity(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	done, err := store.IsProcessed(ctx, "src1", "msg1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if done {
		t.Error("fresh identity should not be processed")
	}

	inserted, err := store.MarkProcessed(ctx, "src1", "msg1")
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !inserted {
		t.Error("first mark should report an insert")
	}
	// Marking again is a no-op, not an error, and reports no insert.
	inserted, err = store.MarkProcessed(ctx, "src1", "msg1")
	if err != nil {
		t.Fatalf("MarkProcessed twice: %v", err)
	}
	if inserted {
		t.Error("second mark should not report an insert")
	}

	done, err = store.IsProcessed(ctx, "src1", "msg1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !done {
		t.Error("marked identity should be processed")
	}

	// Same message ID in a different source is a different identity.
	done, err = store.IsProcessed(ctx, "src2", "msg1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if done {
		t.Error("same message ID in another source should not be processed")
	}
}

func TestDeleteProcessedBefore(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-1 * 24 * time.Hour)
	if _, err := store.markProcessedAt(ctx, "src1", "old", old); err != nil {
		t.Fatalf("markProcessedAt: %v", err)
	}
	if _, err := store.markProcessedAt(ctx, "src1", "recent", recent); err != nil {
		t.Fatalf("markProcessedAt: %v", err)
	}

	cutoff := now.Add(-30 * 24 * time.Hour)
	removed, err := store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteProcessedBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}

	done, _ := store.IsProcessed(ctx, "src1", "old")
	if done {
		t.Error("old identity should be swept")
	}
	done, _ = store.IsProcessed(ctx, "src1", "recent")
	if !done {
		t.Error("recent identity should survive the sweep")
	}
}

func TestCodeCache(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	known, err := store.KnownCodes(ctx, []string{"ABC123", "XYZ789"})
	if err != nil {
		t.Fatalf("KnownCodes: %v", err)
	}
	if len(known) != 0 {
		t.Errorf("fresh cache should know nothing, got %v", known)
	}

	if err := store.RecordCodes(ctx, []string{"ABC123", "ABC123"}); err != nil {
		t.Fatalf("RecordCodes: %v", err)
	}

	known, err = store.KnownCodes(ctx, []string{"ABC123", "XYZ789"})
	if err != nil {
		t.Fatalf("KnownCodes: %v", err)
	}
	if len(known) != 1 || known[0] != "ABC123" {
		t.Errorf("known codes: got %v, want [ABC123]", known)
	}

	removed, err := store.ClearCodes(ctx)
	if err != nil {
		t.Fatalf("ClearCodes: %v", err)
	}
	if removed != 1 {
		t.Errorf("cleared: got %d, want 1", removed)
	}
	known, _ = store.KnownCodes(ctx, []string{"ABC123"})
	if len(known) != 0 {
		t.Errorf("cache should be empty after clear, got %v", known)
	}
}

func TestKnownCodesEmptyInput(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	known, err := store.KnownCodes(context.Background(), nil)
	if err != nil {
		t.Fatalf("KnownCodes: %v", err)
	}
	if known != nil {
		t.Errorf("got %v, want nil", known)
	}
}

func TestFilterCRUD(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.AddFilter(ctx, `foo`, "bar")
	if err != nil {
		t.Fatalf("AddFilter: %v", err)
	}
	id2, err := store.AddFilter(ctx, `baz`, "qux")
	if err != nil {
		t.Fatalf("AddFilter: %v", err)
	}

	filters, err := store.Filters(ctx)
	if err != nil {
		t.Fatalf("Filters: %v", err)
	}
	if len(filters) != 2 {
		t.Fatalf("filter count: got %d, want 2", len(filters))
	}
	if filters[0].ID != id1 || filters[1].ID != id2 {
		t.Errorf("order: got [%d %d], want [%d %d]", filters[0].ID, filters[1].ID, id1, id2)
	}

	if err := store.UpdateFilter(ctx, id1, `foo2`, "bar2"); err != nil {
		t.Fatalf("UpdateFilter: %v", err)
	}
	filters, _ = store.Filters(ctx)
	if filters[0].Pattern != "foo2" || filters[0].Replacement != "bar2" {
		t.Errorf("updated filter: got %q/%q, want foo2/bar2", filters[0].Pattern, filters[0].Replacement)
	}

	if err := store.UpdateFilter(ctx, 9999, `x`, "y"); err == nil {
		t.Error("updating a missing filter should fail")
	}

	if err := store.DeleteFilter(ctx, id1); err != nil {
		t.Fatalf("DeleteFilter: %v", err)
	}
	filters, _ = store.Filters(ctx)
	if len(filters) != 1 || filters[0].ID != id2 {
		t.Errorf("after delete: got %v", filters)
	}
}

func TestFilterReorder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	id1, _ := store.AddFilter(ctx, `a`, "1")
	id2, _ := store.AddFilter(ctx, `b`, "2")
	id3, _ := store.AddFilter(ctx, `c`, "3")

	if err := store.MoveFilterUp(ctx, id2); err != nil {
		t.Fatalf("MoveFilterUp: %v", err)
	}
	filters, _ := store.Filters(ctx)
	gotOrder := []int64{filters[0].ID, filters[1].ID, filters[2].ID}
	wantOrder := []int64{id2, id1, id3}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("order after move up: got %v, want %v", gotOrder, wantOrder)
		}
	}

	// Moving the first rule up and the last rule down are no-ops.
	if err := store.MoveFilterUp(ctx, id2); err != nil {
		t.Fatalf("MoveFilterUp at top: %v", err)
	}
	if err := store.MoveFilterDown(ctx, id3); err != nil {
		t.Fatalf("MoveFilterDown at bottom: %v", err)
	}
	filters, _ = store.Filters(ctx)
	if filters[0].ID != id2 || filters[2].ID != id3 {
		t.Error("edge moves should not change the order")
	}

	if err := store.MoveFilterUp(ctx, 9999); err == nil {
		t.Error("moving a missing filter should fail")
	}
}

func TestChannelStats(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetChannelLabel(ctx, "src1", "Deals"); err != nil {
		t.Fatalf("SetChannelLabel: %v", err)
	}
	store.MarkProcessed(ctx, "src1", "m1")
	store.MarkProcessed(ctx, "src1", "m2")
	store.MarkProcessed(ctx, "gone", "m3")

	stats, err := store.ChannelStats(ctx, []string{"src1", "src2"})
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("stat count: got %d, want 3", len(stats))
	}
	// Configured sources first, in configured order.
	if stats[0].SourceID != "src1" || stats[0].Messages != 2 || stats[0].Name != "Deals" {
		t.Errorf("src1 stat: got %+v", stats[0])
	}
	if stats[1].SourceID != "src2" || stats[1].Messages != 0 {
		t.Errorf("src2 stat: got %+v", stats[1])
	}
	// Unconfigured sources with data follow.
	if stats[2].SourceID != "gone" || stats[2].Messages != 1 {
		t.Errorf("stray stat: got %+v", stats[2])
	}
}

func TestReadOnlyQuery(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	store.MarkProcessed(ctx, "src1", "m1")

	columns, rows, err := store.ReadOnlyQuery(ctx, "SELECT source_id, message_id FROM processed")
	if err != nil {
		t.Fatalf("ReadOnlyQuery: %v", err)
	}
	if len(columns) != 2 || columns[0] != "source_id" {
		t.Errorf("columns: got %v", columns)
	}
	if len(rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(rows))
	}
	if rows[0][0] != "src1" || rows[0][1] != "m1" {
		t.Errorf("row: got %v", rows[0])
	}
}

func TestReadOnlyQueryRejectsWrites(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	store.MarkProcessed(ctx, "src1", "m1")

	if _, _, err := store.ReadOnlyQuery(ctx, "DELETE FROM processed"); err == nil {
		t.Fatal("DELETE through the read-only connection should fail")
	}
	// The row must still be there.
	done, err := store.IsProcessed(ctx, "src1", "m1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !done {
		t.Error("write should not have gone through")
	}
}
