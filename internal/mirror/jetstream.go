package mirror

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

const jetstreamReadLimit = 1 << 20

// JetstreamFeed subscribes to a Jetstream-shaped websocket endpoint.
// Collections is read at session open so a hot-reloaded configuration
// takes effect on the next invocation.
type JetstreamFeed struct {
	endpoint    string
	collections func() []string
}

func NewJetstreamFeed(endpoint string, collections func() []string) *JetstreamFeed {
	return &JetstreamFeed{
		endpoint:    strings.TrimSpace(endpoint),
		collections: collections,
	}
}

func (f *JetstreamFeed) Subscribe(ctx context.Context, cursor *int64) (FeedSession, error) {
	target, err := f.subscribeURL(cursor)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial feed")
	}
	conn.SetReadLimit(jetstreamReadLimit)
	return &jetstreamSession{conn: conn}, nil
}

func (f *JetstreamFeed) subscribeURL(cursor *int64) (string, error) {
	parsed, err := url.Parse(f.endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parse feed endpoint")
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/subscribe"
	}
	query := parsed.Query()
	if f.collections != nil {
		for _, collection := range f.collections() {
			query.Add("wantedCollections", collection)
		}
	}
	if cursor != nil {
		query.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

type jetstreamSession struct {
	conn *websocket.Conn
}

func (s *jetstreamSession) Next(ctx context.Context) (FeedMessage, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return FeedMessage{}, err
	}
	var msg FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return FeedMessage{}, errors.Wrap(err, "decode feed frame")
	}
	return msg, nil
}

func (s *jetstreamSession) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session complete")
}
