package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

type staticResolver struct {
	host  string
	err   error
	calls int
}

func (r *staticResolver) Resolve(ctx context.Context, did string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.host, nil
}

// scriptedLister serves pages keyed by the incoming cursor and records the
// cursor of every call, so tests can assert exactly which pages were
// fetched and in what order.
type scriptedLister struct {
	pages map[string]RecordPage
	errOn map[string]error
	delay time.Duration

	cursors []string
}

func (l *scriptedLister) ListPage(ctx context.Context, host, did, collection, cursor string, limit int) (RecordPage, error) {
	l.cursors = append(l.cursors, cursor)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if err, ok := l.errOn[cursor]; ok {
		return RecordPage{}, err
	}
	return l.pages[cursor], nil
}

func remotePage(did, collection string, start, count int, next string) RecordPage {
	page := RecordPage{Cursor: next}
	for i := 0; i < count; i++ {
		rkey := fmt.Sprintf("r%04d", start+i)
		page.Records = append(page.Records, RemoteRecord{
			URI:   "at://" + did + "/" + collection + "/" + rkey,
			CID:   "cid-" + rkey,
			Value: json.RawMessage(`{"n":` + fmt.Sprint(start+i) + `}`),
		})
	}
	return page
}

func newTestWorker(t *testing.T, lister RecordLister) (*BackfillWorker, *Store) {
	t.Helper()
	store := openTestStore(t)
	worker := NewBackfillWorker(store, &staticResolver{host: "https://pds.example"}, lister, BackfillWorkerOptions{})
	return worker, store
}

func TestBackfillOneRunsToCompletion(t *testing.T) {
	const did, collection = "did:plc:alice", "app.test.item"
	lister := &scriptedLister{pages: map[string]RecordPage{
		"":   remotePage(did, collection, 0, 100, "c1"),
		"c1": remotePage(did, collection, 100, 40, ""),
	}}
	worker, store := newTestWorker(t, lister)
	ctx := context.Background()

	applied, err := worker.BackfillOne(ctx, did, collection, time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if applied != 140 {
		t.Fatalf("expected 140 records applied, got %d", applied)
	}
	count, err := store.CountRecords(ctx, collection)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 140 {
		t.Fatalf("expected 140 rows, got %d", count)
	}
	progress, err := store.BackfillProgress(ctx, did, collection)
	if err != nil {
		t.Fatalf("read progress failed: %v", err)
	}
	if progress == nil || !progress.Completed {
		t.Fatalf("expected pair marked complete, got %+v", progress)
	}
}

func TestBackfillOneEmptyFirstPageCompletes(t *testing.T) {
	const did, collection = "did:plc:empty", "app.test.item"
	lister := &scriptedLister{pages: map[string]RecordPage{}}
	worker, store := newTestWorker(t, lister)
	ctx := context.Background()

	applied, err := worker.BackfillOne(ctx, did, collection, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected 0 records applied, got %d", applied)
	}
	progress, err := store.BackfillProgress(ctx, did, collection)
	if err != nil {
		t.Fatalf("read progress failed: %v", err)
	}
	if progress == nil || !progress.Completed {
		t.Fatalf("an author with no records should complete immediately, got %+v", progress)
	}
}

func TestBackfillOnePastDeadlineDoesNothing(t *testing.T) {
	lister := &scriptedLister{}
	resolver := &staticResolver{host: "https://pds.example"}
	store := openTestStore(t)
	worker := NewBackfillWorker(store, resolver, lister, BackfillWorkerOptions{})

	applied, err := worker.BackfillOne(context.Background(), "did:plc:alice", "app.test.item", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if applied != 0 || resolver.calls != 0 || len(lister.cursors) != 0 {
		t.Fatalf("expected no work past deadline, got applied=%d resolves=%d fetches=%d",
			applied, resolver.calls, len(lister.cursors))
	}
}

func TestBackfillOneCompletedPairExitsFast(t *testing.T) {
	const did, collection = "did:plc:alice", "app.test.item"
	lister := &scriptedLister{}
	worker, store := newTestWorker(t, lister)
	ctx := context.Background()

	if _, err := store.EnsureBackfill(ctx, did, collection); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := store.CompleteBackfill(ctx, did, collection); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	applied, err := worker.BackfillOne(ctx, did, collection, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if applied != 0 || len(lister.cursors) != 0 {
		t.Fatalf("completed pair must not refetch, got applied=%d fetches=%d", applied, len(lister.cursors))
	}
}

func TestBackfillOneResumesFromCheckpointWithoutRefetch(t *testing.T) {
	const did, collection = "did:plc:alice", "app.test.item"
	lister := &scriptedLister{
		pages: map[string]RecordPage{
			"":   remotePage(did, collection, 0, 100, "c1"),
			"c1": remotePage(did, collection, 100, 40, ""),
		},
		// Slow pages: the first call runs out of budget after applying
		// exactly one page.
		delay: 60 * time.Millisecond,
	}
	worker, store := newTestWorker(t, lister)
	ctx := context.Background()

	applied, err := worker.BackfillOne(ctx, did, collection, time.Now().Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("first backfill failed: %v", err)
	}
	if applied != 100 {
		t.Fatalf("expected exactly the first page applied, got %d", applied)
	}
	progress, err := store.BackfillProgress(ctx, did, collection)
	if err != nil {
		t.Fatalf("read progress failed: %v", err)
	}
	if progress == nil || progress.Completed || progress.PageCursor == nil || *progress.PageCursor != "c1" {
		t.Fatalf("expected checkpoint at c1, got %+v", progress)
	}

	lister.delay = 0
	applied, err = worker.BackfillOne(ctx, did, collection, time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("second backfill failed: %v", err)
	}
	if applied != 40 {
		t.Fatalf("expected only the remaining page applied, got %d", applied)
	}
	// The resumed run must start at the checkpoint, never back at the
	// beginning.
	if lister.cursors[len(lister.cursors)-1] != "c1" {
		t.Fatalf("expected resume fetch at c1, got %q", lister.cursors[len(lister.cursors)-1])
	}
	count, err := store.CountRecords(ctx, collection)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 140 {
		t.Fatalf("expected 140 rows after resume, got %d", count)
	}
	progress, err = store.BackfillProgress(ctx, did, collection)
	if err != nil {
		t.Fatalf("read progress failed: %v", err)
	}
	if progress == nil || !progress.Completed {
		t.Fatalf("expected completion after resume, got %+v", progress)
	}
}

func TestBackfillOneResolveFailureDefersPair(t *testing.T) {
	const did, collection = "did:plc:unreach", "app.test.item"
	lister := &scriptedLister{}
	store := openTestStore(t)
	resolver := &staticResolver{err: errors.New("directory unavailable")}
	worker := NewBackfillWorker(store, resolver, lister, BackfillWorkerOptions{})
	ctx := context.Background()

	applied, err := worker.BackfillOne(ctx, did, collection, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("resolution failure must not surface as an error: %v", err)
	}
	if applied != 0 || len(lister.cursors) != 0 {
		t.Fatalf("expected no pages fetched, got applied=%d fetches=%d", applied, len(lister.cursors))
	}
	progress, err := store.BackfillProgress(ctx, did, collection)
	if err != nil {
		t.Fatalf("read progress failed: %v", err)
	}
	if progress == nil || progress.Completed {
		t.Fatalf("expected pair left in progress for the next run, got %+v", progress)
	}
}

func TestBackfillOneFetchErrorPreservesCheckpoint(t *testing.T) {
	const did, collection = "did:plc:alice", "app.test.item"
	lister := &scriptedLister{
		pages: map[string]RecordPage{
			"": remotePage(did, collection, 0, 100, "c1"),
		},
		errOn: map[string]error{"c1": errors.New("503 from pds")},
	}
	worker, store := newTestWorker(t, lister)
	ctx := context.Background()

	applied, err := worker.BackfillOne(ctx, did, collection, time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("fetch failure must not surface as an error: %v", err)
	}
	if applied != 100 {
		t.Fatalf("expected the first page applied before the failure, got %d", applied)
	}
	progress, err := store.BackfillProgress(ctx, did, collection)
	if err != nil {
		t.Fatalf("read progress failed: %v", err)
	}
	if progress == nil || progress.Completed || progress.PageCursor == nil || *progress.PageCursor != "c1" {
		t.Fatalf("expected checkpoint held at c1 after fetch failure, got %+v", progress)
	}
}

func TestBackfillOneReapplyIsIdempotent(t *testing.T) {
	const did, collection = "did:plc:alice", "app.test.item"
	pages := map[string]RecordPage{
		"": remotePage(did, collection, 0, 30, ""),
	}
	worker, store := newTestWorker(t, &scriptedLister{pages: pages})
	ctx := context.Background()

	if _, err := worker.BackfillOne(ctx, did, collection, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("first backfill failed: %v", err)
	}
	// Simulate a second invocation that raced past the completion flag by
	// applying the same page again directly.
	events := make([]ChangeEvent, 0, 30)
	nowUS := NowMicros()
	for _, record := range pages[""].Records {
		events = append(events, ChangeEvent{
			DID:        did,
			Collection: collection,
			RKey:       RKeyFromURI(record.URI),
			Operation:  OpCreate,
			CID:        record.CID,
			Record:     record.Value,
			TimeUS:     nowUS,
			IndexedUS:  nowUS,
		})
	}
	if err := store.ApplyEvents(ctx, events); err != nil {
		t.Fatalf("reapply failed: %v", err)
	}
	count, err := store.CountRecords(ctx, collection)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 30 {
		t.Fatalf("expected 30 rows after overlapping apply, got %d", count)
	}
}
