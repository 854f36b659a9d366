package persist

import (
	"context"
	"testing"
	"time"

	"github.com/ehr/fhirstore/internal/persist/params"
)

func seedPatients(t *testing.T, e *Engine, ids ...string) {
	t.Helper()
	for _, id := range ids {
		req := storeReq(1, false)
		req.LogicalID = id
		if _, err := e.Store(context.Background(), req); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

func TestMarkAndFetchReindexBatch(t *testing.T) {
	b := newFakeBackend("Patient")
	e := testEngine(b)
	ctx := context.Background()

	seedPatients(t, e, "a", "b", "c")

	cutoff := time.Now().Add(time.Minute)
	batch, err := e.MarkAndFetchReindexBatch(ctx, cutoff, 2)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(batch))
	}

	second, err := e.MarkAndFetchReindexBatch(ctx, cutoff, 2)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected 1 remaining, got %d", len(second))
	}

	// Batches must be disjoint: the second claim may not resurface anything
	// already stamped by the first.
	seen := make(map[int64]bool)
	for _, entry := range batch {
		seen[entry.LogicalResourceID] = true
	}
	for _, entry := range second {
		if seen[entry.LogicalResourceID] {
			t.Errorf("resource %d claimed twice", entry.LogicalResourceID)
		}
	}

	// Everything is stamped now; a third claim yields nothing.
	third, err := e.MarkAndFetchReindexBatch(ctx, cutoff, 2)
	if err != nil {
		t.Fatalf("third batch: %v", err)
	}
	if third != nil {
		t.Errorf("expected nil batch when nothing is eligible, got %v", third)
	}
}

func TestMarkAndFetchReindexBatch_FutureCutoffStampsIneligible(t *testing.T) {
	b := newFakeBackend("Patient")
	e := testEngine(b)
	ctx := context.Background()

	seedPatients(t, e, "a")

	cutoff := time.Now().Add(time.Hour)
	batch, err := e.MarkAndFetchReindexBatch(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(batch))
	}

	// The claim stamp must not land before the cutoff, or the same row
	// stays eligible and a worker loop re-claims it forever.
	ts := b.reindexTstamp[batch[0].LogicalResourceID]
	if ts == nil || ts.Before(cutoff) {
		t.Errorf("claim stamped %v, before cutoff %v", ts, cutoff)
	}

	again, err := e.MarkAndFetchReindexBatch(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if again != nil {
		t.Errorf("expected nothing re-claimable under the same cutoff, got %v", again)
	}
}

func TestMarkAndFetchReindexBatch_NeverIndexedFirst(t *testing.T) {
	b := newFakeBackend("Patient")
	e := testEngine(b)
	ctx := context.Background()

	seedPatients(t, e, "a", "b")

	// Stamp "a" as recently indexed; "b" stays never-indexed.
	var aID int64
	for id, lr := range b.heads {
		if lr.LogicalID == "a" {
			aID = id
		}
	}
	old := time.Now().Add(-time.Hour)
	b.reindexTstamp[aID] = &old

	batch, err := e.MarkAndFetchReindexBatch(ctx, time.Now(), 1)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(batch) != 1 || batch[0].LogicalID != "b" {
		t.Errorf("expected never-indexed resource first, got %+v", batch)
	}
}

func TestReproject(t *testing.T) {
	b := newFakeBackend("Patient")
	e := testEngine(b)
	ctx := context.Background()

	req := storeReq(1, false)
	req.Parameters = []params.Value{params.StringValue{ParamName: "family", Value: "Smith"}}
	req.ParameterHash = params.Hash(req.Parameters)
	res, err := e.Store(ctx, req)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	newValues := []params.Value{
		params.StringValue{ParamName: "family", Value: "Smith"},
		params.TokenValue{ParamName: "identifier", System: "http://example.org/mrn", Code: "12345"},
	}
	entry := ReindexEntry{ResourceType: "Patient", LogicalID: "p1", LogicalResourceID: res.LogicalResourceID}
	if err := e.Reproject(ctx, entry, newValues); err != nil {
		t.Fatalf("Reproject: %v", err)
	}

	rows := b.paramRows[res.LogicalResourceID]
	if len(rows.Tokens) != 1 {
		t.Errorf("expected re-extracted token row, got %+v", rows)
	}

	head := b.heads[res.LogicalResourceID]
	if head.ParameterHash != params.Hash(newValues) {
		t.Error("expected stored parameter hash refreshed")
	}
	if head.CurrentVersion != 1 {
		t.Errorf("reproject must not touch the version, got %d", head.CurrentVersion)
	}
}

func TestReproject_UnknownResource(t *testing.T) {
	b := newFakeBackend("Patient")
	e := testEngine(b)

	entry := ReindexEntry{ResourceType: "Patient", LogicalID: "ghost", LogicalResourceID: 7}
	err := e.Reproject(context.Background(), entry, nil)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
