package mirror

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultRunBudget      = 30 * time.Second
	defaultIngestBudget   = 25 * time.Second
	defaultBookkeepMargin = 2 * time.Second
)

// OrchestratorOptions bound one scheduled invocation. RunBudget is the
// hard wall-clock budget; IngestBudget caps the streaming phase so some
// budget is left for backfill; BookkeepMargin is shaved off the hard
// deadline to leave room for final writes.
type OrchestratorOptions struct {
	RunBudget      time.Duration
	IngestBudget   time.Duration
	BookkeepMargin time.Duration
}

// Orchestrator is the scheduled entry point: one bounded invocation of
// stream ingestion followed by backfill for the pairs that invocation
// touched. It never panics outward; failures are logged with identifying
// context and the invocation ends cleanly, relying on the next run for
// recovery.
type Orchestrator struct {
	store    *Store
	ingestor *Ingestor
	backfill *BackfillWorker
	opts     OrchestratorOptions
}

// RunReport summarizes one invocation.
type RunReport struct {
	EventsApplied   int
	CursorSaved     *int64
	PairsBackfilled int
	PairsDeferred   int
	RecordsApplied  int
}

func NewOrchestrator(store *Store, ingestor *Ingestor, backfill *BackfillWorker, opts OrchestratorOptions) *Orchestrator {
	if opts.RunBudget <= 0 {
		opts.RunBudget = defaultRunBudget
	}
	if opts.IngestBudget <= 0 {
		opts.IngestBudget = defaultIngestBudget
	}
	if opts.IngestBudget > opts.RunBudget {
		opts.IngestBudget = opts.RunBudget * 5 / 6
	}
	if opts.BookkeepMargin <= 0 {
		opts.BookkeepMargin = defaultBookkeepMargin
	}
	if opts.BookkeepMargin >= opts.RunBudget {
		opts.BookkeepMargin = opts.RunBudget / 10
	}
	return &Orchestrator{store: store, ingestor: ingestor, backfill: backfill, opts: opts}
}

// Run executes one scheduled invocation: read the stream cursor, consume a
// bounded feed slice, apply it, persist the new cursor, then spend the
// remaining budget backfilling the (did, collection) pairs this slice
// touched. Pairs left over when the deadline hits are deferred to the next
// run.
func (o *Orchestrator) Run(ctx context.Context) RunReport {
	start := time.Now()
	hardDeadline := start.Add(o.opts.RunBudget)
	softDeadline := hardDeadline.Add(-o.opts.BookkeepMargin)
	ingestDeadline := start.Add(o.opts.IngestBudget)
	if ingestDeadline.After(softDeadline) {
		ingestDeadline = softDeadline
	}

	var report RunReport

	cursor, err := o.store.StreamCursor(ctx)
	if err != nil {
		log.WithFields(log.Fields{"source": "stream", "err": err}).Error("read stream cursor failed")
		return report
	}
	log.WithFields(log.Fields{
		"cursor": cursorValue(cursor),
		"budget": o.opts.RunBudget.String(),
	}).Info("invocation starting")

	events, nextCursor, ingestErr := o.ingestor.ConsumeOnce(ctx, cursor, ingestDeadline)
	if ingestErr != nil {
		// Transient transport failure: apply whatever was collected and let
		// the next scheduled run reconnect.
		log.WithFields(log.Fields{"source": "stream", "err": ingestErr}).Warn("feed session ended with error")
	}
	if err := o.store.ApplyEvents(ctx, events); err != nil {
		// The cursor must not advance past events that failed to apply.
		log.WithFields(log.Fields{"source": "stream", "err": err}).Error("apply stream events failed")
		return report
	}
	report.EventsApplied = len(events)

	if nextCursor != nil {
		if err := o.store.SaveStreamCursor(ctx, *nextCursor); err != nil {
			log.WithFields(log.Fields{"source": "stream", "err": err}).Error("save stream cursor failed")
			return report
		}
		report.CursorSaved = nextCursor
	}
	log.WithFields(log.Fields{
		"events": len(events),
		"cursor": cursorValue(nextCursor),
	}).Info("stream slice applied")

	pairs := touchedPairs(events)
	for i, pair := range pairs {
		if !time.Now().Before(hardDeadline) {
			report.PairsDeferred = len(pairs) - i
			log.WithField("deferred", report.PairsDeferred).Info("budget exhausted, deferring pairs")
			break
		}
		applied, err := o.backfill.BackfillOne(ctx, pair.did, pair.collection, hardDeadline)
		report.RecordsApplied += applied
		if err != nil {
			// Storage failure: progress up to the last checkpoint is valid,
			// so end the invocation and let the next run resume.
			log.WithFields(log.Fields{
				"did":        pair.did,
				"collection": pair.collection,
				"err":        err,
			}).Error("backfill apply failed, ending invocation")
			report.PairsDeferred = len(pairs) - i
			return report
		}
		report.PairsBackfilled++
	}

	log.WithFields(log.Fields{
		"events":     report.EventsApplied,
		"pairs":      report.PairsBackfilled,
		"backfilled": report.RecordsApplied,
		"elapsed":    time.Since(start).String(),
	}).Info("invocation complete")
	return report
}

type pairKey struct {
	did        string
	collection string
}

// touchedPairs returns the distinct (did, collection) pairs of non-delete
// events, in first-seen order.
func touchedPairs(events []ChangeEvent) []pairKey {
	seen := map[pairKey]struct{}{}
	var pairs []pairKey
	for _, event := range events {
		if event.Operation == OpDelete {
			continue
		}
		key := pairKey{did: event.DID, collection: event.Collection}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		pairs = append(pairs, key)
	}
	return pairs
}

func cursorValue(cursor *int64) any {
	if cursor == nil {
		return "none"
	}
	return *cursor
}
