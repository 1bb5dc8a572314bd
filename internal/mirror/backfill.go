package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultBackfillPageSize = 100

// HostResolver maps an author's DID to the base URL of the host serving
// their records.
type HostResolver interface {
	Resolve(ctx context.Context, did string) (string, error)
}

// RemoteRecord is one entry of a remote collection listing.
type RemoteRecord struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// RecordPage is one page of a remote collection listing. An empty Cursor
// means the collection is exhausted.
type RecordPage struct {
	Records []RemoteRecord
	Cursor  string
}

// RecordLister fetches one page of an author's collection from their host.
type RecordLister interface {
	ListPage(ctx context.Context, host, did, collection, cursor string, limit int) (RecordPage, error)
}

// BackfillWorker drives resumable per-(did, collection) historical
// catch-up. Every page is checkpointed, so an interrupted run resumes from
// the last applied page rather than restarting the pair.
type BackfillWorker struct {
	store    *Store
	resolver HostResolver
	lister   RecordLister
	pageSize int
}

type BackfillWorkerOptions struct {
	PageSize int
}

func NewBackfillWorker(store *Store, resolver HostResolver, lister RecordLister, opts BackfillWorkerOptions) *BackfillWorker {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultBackfillPageSize
	}
	return &BackfillWorker{
		store:    store,
		resolver: resolver,
		lister:   lister,
		pageSize: pageSize,
	}
}

// BackfillOne advances the historical catch-up for one pair until the
// collection is exhausted or the deadline passes, and returns the number
// of records applied. It is idempotent and safe to run concurrently with
// another invocation for the same pair: both converge on the same progress
// row and checkpoints only move forward. Transport failures (resolution,
// page fetch) stop the pair for this invocation and are logged, not
// returned; the next scheduled run retries. Only storage failures are
// returned, because checkpoints must not advance past them.
func (w *BackfillWorker) BackfillOne(ctx context.Context, did, collection string, deadline time.Time) (int, error) {
	if !time.Now().Before(deadline) {
		return 0, nil
	}
	pairLog := log.WithFields(log.Fields{"did": did, "collection": collection})

	progress, err := w.store.BackfillProgress(ctx, did, collection)
	if err != nil {
		return 0, err
	}
	if progress != nil && progress.Completed {
		return 0, nil
	}
	if progress == nil {
		progress, err = w.store.EnsureBackfill(ctx, did, collection)
		if err != nil {
			return 0, err
		}
		if progress.Completed {
			// A racing invocation finished the pair between our first read
			// and the insert.
			return 0, nil
		}
	}

	cursor := ""
	if progress.PageCursor != nil {
		cursor = *progress.PageCursor
	}
	pairLog.WithField("cursor", cursorLabel(cursor)).Info("backfill starting")

	host, err := w.resolver.Resolve(ctx, did)
	if err != nil {
		pairLog.WithField("err", err).Warn("host resolution failed, deferring pair")
		return 0, nil
	}

	applied := 0
	done := false
	for time.Now().Before(deadline) {
		page, err := w.lister.ListPage(ctx, host, did, collection, cursor, w.pageSize)
		if err != nil {
			pairLog.WithField("err", err).Warn("page fetch failed, pausing pair")
			break
		}
		if len(page.Records) == 0 {
			done = true
			break
		}

		events := make([]ChangeEvent, 0, len(page.Records))
		nowUS := NowMicros()
		for _, record := range page.Records {
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
		if err := w.store.ApplyEvents(ctx, events); err != nil {
			return applied, errors.Wrap(err, "apply backfill page")
		}
		applied += len(events)

		// Checkpoint only after the page is durably applied: a crash here
		// re-fetches this page instead of skipping it.
		cursor = page.Cursor
		if err := w.store.SaveBackfillCursor(ctx, did, collection, cursor); err != nil {
			return applied, err
		}
		if cursor == "" {
			done = true
			break
		}
	}

	if done {
		if err := w.store.CompleteBackfill(ctx, did, collection); err != nil {
			return applied, err
		}
		pairLog.WithField("records", applied).Info("backfill complete")
	} else {
		pairLog.WithField("records", applied).Info("backfill paused, will resume")
	}
	return applied, nil
}

func cursorLabel(cursor string) string {
	if cursor == "" {
		return "start"
	}
	return cursor
}
