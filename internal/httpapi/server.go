package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/skymirrorhq/skymirror/internal/mirror"
)

const defaultOnDemandBackfillBudget = 10 * time.Second

// ServerConfig wires the read API. Collections gates every route to the
// tracked set; Backfill, when non-nil, enables the on-demand bounded
// backfill that a ?did= query on the records route triggers.
type ServerConfig struct {
	Collections    func() []string
	Backfill       *mirror.BackfillWorker
	BackfillBudget time.Duration
}

// Server is the read-only query surface over the mirror store. It is a
// thin adapter: pagination over already-stored rows plus backfill status.
type Server struct {
	store *mirror.Store
	cfg   ServerConfig
}

func NewServer(store *mirror.Store, cfg ServerConfig) *Server {
	if cfg.BackfillBudget <= 0 {
		cfg.BackfillBudget = defaultOnDemandBackfillBudget
	}
	return &Server{store: store, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	path := r.URL.Path
	if path == "/" || path == "/health" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch {
	case strings.HasPrefix(path, "/records/"):
		s.routeCollection(w, r, strings.TrimPrefix(path, "/records/"), s.handleRecords)
	case strings.HasPrefix(path, "/users/"):
		s.routeCollection(w, r, strings.TrimPrefix(path, "/users/"), s.handleUsers)
	case strings.HasPrefix(path, "/backfill/"):
		s.routeBackfillStatus(w, r, strings.TrimPrefix(path, "/backfill/"))
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) routeCollection(w http.ResponseWriter, r *http.Request, collection string, handler func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !s.tracked(collection) {
		writeError(w, http.StatusNotFound, "not_found", "collection not tracked")
		return
	}
	handler(w, r, collection)
}

func (s *Server) routeBackfillStatus(w http.ResponseWriter, r *http.Request, rest string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	collection, did := parts[0], parts[1]
	if !s.tracked(collection) {
		writeError(w, http.StatusNotFound, "not_found", "collection not tracked")
		return
	}

	progress, err := s.store.BackfillProgress(r.Context(), did, collection)
	if err != nil {
		log.WithFields(log.Fields{"did": did, "collection": collection, "err": err}).Error("backfill status read failed")
		writeError(w, http.StatusInternalServerError, "internal", "storage error")
		return
	}
	status := "unknown"
	if progress != nil {
		status = "in_progress"
		if progress.Completed {
			status = "complete"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"did":        did,
		"collection": collection,
		"status":     status,
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request, collection string) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	cursor, ok := parseIntCursor(w, r)
	if !ok {
		return
	}
	did := strings.TrimSpace(r.URL.Query().Get("did"))

	if did != "" && s.cfg.Backfill != nil {
		// Best effort: give this author a bounded head start before reading.
		deadline := time.Now().Add(s.cfg.BackfillBudget)
		if _, err := s.cfg.Backfill.BackfillOne(r.Context(), did, collection, deadline); err != nil {
			log.WithFields(log.Fields{"did": did, "collection": collection, "err": err}).Warn("on-demand backfill failed")
		}
	}

	records, next, err := s.store.ListRecords(r.Context(), collection, limit, cursor, did)
	if err != nil {
		log.WithFields(log.Fields{"collection": collection, "err": err}).Error("record listing failed")
		writeError(w, http.StatusInternalServerError, "internal", "storage error")
		return
	}

	items := make([]recordItem, 0, len(records))
	for _, rec := range records {
		items = append(items, formatRecord(rec))
	}
	response := map[string]any{"records": items}
	if next > 0 {
		response["cursor"] = strconv.FormatInt(next, 10)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, collection string) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))

	users, next, err := s.store.ListAuthors(r.Context(), collection, limit, cursor)
	if err != nil {
		log.WithFields(log.Fields{"collection": collection, "err": err}).Error("author listing failed")
		writeError(w, http.StatusInternalServerError, "internal", "storage error")
		return
	}
	response := map[string]any{"users": users}
	if next != "" {
		response["cursor"] = next
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) tracked(collection string) bool {
	if s.cfg.Collections == nil {
		return false
	}
	for _, tracked := range s.cfg.Collections() {
		if tracked == collection {
			return true
		}
	}
	return false
}

type recordItem struct {
	URI        string          `json:"uri"`
	DID        string          `json:"did"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record"`
	TimeUS     int64           `json:"time_us"`
	IndexedUS  int64           `json:"indexed_at"`
}

func formatRecord(rec mirror.StoredRecord) recordItem {
	item := recordItem{
		URI:        rec.URI,
		DID:        rec.DID,
		Collection: rec.Collection,
		RKey:       rec.RKey,
		CID:        rec.CID,
		TimeUS:     rec.TimeUS,
		IndexedUS:  rec.IndexedUS,
	}
	if len(rec.Record) > 0 {
		item.Record = json.RawMessage(rec.Record)
	} else {
		item.Record = json.RawMessage("null")
	}
	return item
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 50, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit parameter")
		return 0, false
	}
	return limit, true
}

func parseIntCursor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if raw == "" {
		return 0, true
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid cursor parameter")
		return 0, false
	}
	return cursor, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
