package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FeedMessage is one frame from the commit-event feed. Only commit frames
// carry record mutations; identity and account frames are observed for
// their cursor and otherwise ignored.
type FeedMessage struct {
	DID    string      `json:"did"`
	TimeUS int64       `json:"time_us"`
	Kind   string      `json:"kind"`
	Commit *FeedCommit `json:"commit,omitempty"`
}

type FeedCommit struct {
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// StreamFeed opens bounded sessions against the live commit-event feed.
type StreamFeed interface {
	Subscribe(ctx context.Context, cursor *int64) (FeedSession, error)
}

// FeedSession yields feed messages in delivery order until closed.
type FeedSession interface {
	Next(ctx context.Context) (FeedMessage, error)
	Close() error
}

// IngestorOptions configure a stream ingestor. Validator is optional; when
// set, record bodies failing their collection schema are logged, and
// dropped entirely when StrictValidation is also set.
type IngestorOptions struct {
	Validator        *RecordValidator
	StrictValidation bool
}

// Ingestor consumes bounded slices of the live feed.
type Ingestor struct {
	feed      StreamFeed
	validator *RecordValidator
	strict    bool
}

func NewIngestor(feed StreamFeed, opts IngestorOptions) *Ingestor {
	return &Ingestor{
		feed:      feed,
		validator: opts.Validator,
		strict:    opts.StrictValidation,
	}
}

// ConsumeOnce opens a feed session at cursor (nil = feed head) and collects
// commit events until the feed catches up to the wall clock at session
// start or the deadline passes. Both stops are normal. The returned cursor
// is the time_us of the last observed message of any kind, nil if nothing
// arrived. A transport error is returned together with the events already
// collected; the caller applies those and advances the cursor only as far
// as what it applied.
func (in *Ingestor) ConsumeOnce(ctx context.Context, cursor *int64, deadline time.Time) ([]ChangeEvent, *int64, error) {
	startUS := time.Now().UnixMicro()
	sessCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	session, err := in.feed.Subscribe(sessCtx, cursor)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open feed session")
	}
	defer session.Close()

	var events []ChangeEvent
	var lastSeen *int64
	for {
		msg, err := session.Next(sessCtx)
		if err != nil {
			if sessCtx.Err() != nil {
				// Deadline or caller cancellation: a normal stop, not a
				// transport failure.
				return events, lastSeen, nil
			}
			return events, lastSeen, errors.Wrap(err, "read feed message")
		}
		seen := msg.TimeUS
		lastSeen = &seen

		if msg.Kind == "commit" && msg.Commit != nil {
			if event, ok := in.eventFromMessage(msg); ok {
				events = append(events, event)
			}
		}
		if msg.TimeUS >= startUS {
			log.WithField("time_us", msg.TimeUS).Debug("feed caught up to present")
			break
		}
		if !time.Now().Before(deadline) {
			log.WithField("events", len(events)).Debug("ingest deadline reached")
			break
		}
	}
	return events, lastSeen, nil
}

func (in *Ingestor) eventFromMessage(msg FeedMessage) (ChangeEvent, bool) {
	commit := msg.Commit
	event := ChangeEvent{
		DID:        msg.DID,
		Collection: commit.Collection,
		RKey:       commit.RKey,
		Operation:  Operation(commit.Operation),
		TimeUS:     msg.TimeUS,
		IndexedUS:  NowMicros(),
	}
	switch event.Operation {
	case OpCreate, OpUpdate:
		event.CID = commit.CID
		event.Record = commit.Record
	case OpDelete:
		// Deletes carry no body and no CID.
	default:
		log.WithFields(log.Fields{
			"did":       msg.DID,
			"operation": commit.Operation,
		}).Warn("skipping commit with unknown operation")
		return ChangeEvent{}, false
	}

	if event.Operation != OpDelete && in.validator != nil {
		if err := in.validator.Validate(event.Collection, event.Record); err != nil {
			log.WithFields(log.Fields{
				"did":        msg.DID,
				"collection": commit.Collection,
				"rkey":       commit.RKey,
				"err":        err,
			}).Warn("record body failed schema validation")
			if in.strict {
				return ChangeEvent{}, false
			}
		}
	}
	return event, true
}
