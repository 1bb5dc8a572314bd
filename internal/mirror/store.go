package mirror

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultApplyBatchSize = 50
	maxListLimit          = 100
)

// Store is the reconciliation layer over durable SQL state: mirrored
// records keyed by at:// URI, the singleton live-feed cursor, and one
// backfill-progress row per (did, collection).
type Store struct {
	db        *sql.DB
	driver    string
	batchSize int

	initOnce sync.Once
	initErr  error
}

// BackfillProgress is the durable resume state for one (did, collection)
// pair. A nil PageCursor means the next page fetch starts from the
// beginning of the collection.
type BackfillProgress struct {
	Completed  bool
	PageCursor *string
}

// StoredRecord is one mirrored row as returned by the read path.
type StoredRecord struct {
	Seq        int64
	URI        string
	DID        string
	Collection string
	RKey       string
	CID        string
	Record     []byte
	TimeUS     int64
	IndexedUS  int64
}

func newStore(db *sql.DB, driver string) *Store {
	return &Store{
		db:        db,
		driver:    driver,
		batchSize: defaultApplyBatchSize,
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind converts ?-style placeholders to the $n style lib/pq expects.
// Queries in this file never embed literal question marks.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) ensureReady(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		for _, stmt := range schemaStatements(s.driver) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.initErr = errors.Wrap(err, "initialize schema")
				return
			}
		}
	})
	return s.initErr
}

func schemaStatements(driver string) []string {
	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	completedColumn := "completed INTEGER NOT NULL DEFAULT 0"
	if driver == "postgres" {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
		completedColumn = "completed BOOLEAN NOT NULL DEFAULT FALSE"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS records (
			` + seqColumn + `,
			uri TEXT NOT NULL UNIQUE,
			did TEXT NOT NULL,
			collection TEXT NOT NULL,
			rkey TEXT NOT NULL,
			cid TEXT,
			record TEXT,
			time_us BIGINT NOT NULL,
			indexed_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS records_collection_seq_idx ON records (collection, seq)`,
		`CREATE INDEX IF NOT EXISTS records_collection_did_idx ON records (collection, did)`,
		`CREATE TABLE IF NOT EXISTS stream_cursor (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			time_us BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backfills (
			did TEXT NOT NULL,
			collection TEXT NOT NULL,
			` + completedColumn + `,
			page_cursor TEXT,
			PRIMARY KEY (did, collection)
		)`,
	}
}

// ApplyEvents merges normalized change events into the records table.
// Create and update events upsert by URI, overwriting all mutable fields
// with the incoming values; delete events remove the row if present.
// Events are applied in order, in sub-batches of bounded size, each
// sub-batch inside one transaction. A failed sub-batch aborts the whole
// call; rows from earlier sub-batches stay applied, which is safe because
// re-applying them is idempotent.
func (s *Store) ApplyEvents(ctx context.Context, events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	for start := 0; start < len(events); start += s.batchSize {
		end := start + s.batchSize
		if end > len(events) {
			end = len(events)
		}
		if err := s.applyBatch(ctx, events[start:end]); err != nil {
			return errors.Wrapf(err, "apply batch at offset %d", start)
		}
	}
	return nil
}

func (s *Store) applyBatch(ctx context.Context, events []ChangeEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	upsert := s.rebind(`
		INSERT INTO records (uri, did, collection, rkey, cid, record, time_us, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO UPDATE SET
			cid = excluded.cid,
			record = excluded.record,
			time_us = excluded.time_us,
			indexed_at = excluded.indexed_at`)
	remove := s.rebind(`DELETE FROM records WHERE uri = ?`)

	for _, event := range events {
		if event.Operation == OpDelete {
			if _, err := tx.ExecContext(ctx, remove, event.URI()); err != nil {
				return err
			}
			continue
		}
		var body any
		if event.Record != nil {
			body = string(event.Record)
		}
		var cid any
		if event.CID != "" {
			cid = event.CID
		}
		_, err := tx.ExecContext(ctx, upsert,
			event.URI(), event.DID, event.Collection, event.RKey,
			cid, body, event.TimeUS, event.IndexedUS)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// StreamCursor returns the saved live-feed resume position, or nil when
// ingestion has never run.
func (s *Store) StreamCursor(ctx context.Context) (*int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	var timeUS int64
	err := s.db.QueryRowContext(ctx, `SELECT time_us FROM stream_cursor WHERE id = 1`).Scan(&timeUS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read stream cursor")
	}
	return &timeUS, nil
}

// SaveStreamCursor persists the live-feed resume position. Call only after
// the events up to this position have been durably applied.
func (s *Store) SaveStreamCursor(ctx context.Context, timeUS int64) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO stream_cursor (id, time_us) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET time_us = excluded.time_us`)
	_, err := s.db.ExecContext(ctx, query, timeUS)
	return errors.Wrap(err, "save stream cursor")
}

// BackfillProgress reads the progress row for one pair. A nil result with
// nil error means no backfill has been attempted yet.
func (s *Store) BackfillProgress(ctx context.Context, did, collection string) (*BackfillProgress, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := s.rebind(`SELECT completed, page_cursor FROM backfills WHERE did = ? AND collection = ?`)
	var progress BackfillProgress
	var pageCursor sql.NullString
	err := s.db.QueryRowContext(ctx, query, did, collection).Scan(&progress.Completed, &pageCursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read backfill progress")
	}
	if pageCursor.Valid {
		cursor := pageCursor.String
		progress.PageCursor = &cursor
	}
	return &progress, nil
}

// EnsureBackfill creates the progress row for a pair if it does not exist
// and returns the authoritative row. The insert ignores conflicts, so two
// racing invocations both converge on the same row instead of each
// believing itself to be first.
func (s *Store) EnsureBackfill(ctx context.Context, did, collection string) (*BackfillProgress, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	insert := s.rebind(`
		INSERT INTO backfills (did, collection, completed) VALUES (?, ?, ?)
		ON CONFLICT (did, collection) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, insert, did, collection, false); err != nil {
		return nil, errors.Wrap(err, "insert backfill row")
	}
	progress, err := s.BackfillProgress(ctx, did, collection)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		return nil, errors.New("backfill row missing after insert")
	}
	return progress, nil
}

// SaveBackfillCursor checkpoints the remote pagination cursor after a page
// has been applied. An empty cursor is stored as NULL.
func (s *Store) SaveBackfillCursor(ctx context.Context, did, collection, cursor string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	var value any
	if cursor != "" {
		value = cursor
	}
	query := s.rebind(`UPDATE backfills SET page_cursor = ? WHERE did = ? AND collection = ?`)
	_, err := s.db.ExecContext(ctx, query, value, did, collection)
	return errors.Wrap(err, "save backfill cursor")
}

// CompleteBackfill marks a pair terminally complete. The flag is sticky:
// once set, BackfillOne exits early forever for this pair.
func (s *Store) CompleteBackfill(ctx context.Context, did, collection string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	query := s.rebind(`UPDATE backfills SET completed = ? WHERE did = ? AND collection = ?`)
	_, err := s.db.ExecContext(ctx, query, true, did, collection)
	return errors.Wrap(err, "complete backfill")
}

// ListRecords pages through mirrored records of one collection, newest
// applied first. The cursor is the seq of the last row of the previous
// page; zero means start from the top. An optional did narrows the listing
// to one author.
func (s *Store) ListRecords(ctx context.Context, collection string, limit int, cursor int64, did string) ([]StoredRecord, int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, 0, err
	}
	limit = clampLimit(limit)

	query := `SELECT seq, uri, did, collection, rkey, cid, record, time_us, indexed_at
		FROM records WHERE collection = ?`
	args := []any{collection}
	if did != "" {
		query += ` AND did = ?`
		args = append(args, did)
	}
	if cursor > 0 {
		query += ` AND seq < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list records")
	}
	defer rows.Close()

	out := make([]StoredRecord, 0, limit)
	for rows.Next() {
		var rec StoredRecord
		var cid, body sql.NullString
		if err := rows.Scan(&rec.Seq, &rec.URI, &rec.DID, &rec.Collection, &rec.RKey,
			&cid, &body, &rec.TimeUS, &rec.IndexedUS); err != nil {
			return nil, 0, errors.Wrap(err, "scan record")
		}
		rec.CID = cid.String
		if body.Valid {
			rec.Record = []byte(body.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "list records")
	}
	var next int64
	if len(out) == limit {
		next = out[len(out)-1].Seq
	}
	return out, next, nil
}

// ListAuthors pages through the distinct authors seen in one collection,
// ordered by did. The cursor is the last did of the previous page.
func (s *Store) ListAuthors(ctx context.Context, collection string, limit int, cursor string) ([]string, string, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)

	query := `SELECT DISTINCT did FROM records WHERE collection = ?`
	args := []any{collection}
	if cursor != "" {
		query += ` AND did > ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY did LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, "", errors.Wrap(err, "list authors")
	}
	defer rows.Close()

	dids := make([]string, 0, limit)
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, "", errors.Wrap(err, "scan author")
		}
		dids = append(dids, did)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errors.Wrap(err, "list authors")
	}
	next := ""
	if len(dids) == limit {
		next = dids[len(dids)-1]
	}
	return dids, next, nil
}

// CountRecords reports the number of mirrored rows for one collection.
func (s *Store) CountRecords(ctx context.Context, collection string) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM records WHERE collection = ?`), collection).Scan(&count)
	return count, errors.Wrap(err, "count records")
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// NowMicros is the clock used for local ingestion timestamps.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}
