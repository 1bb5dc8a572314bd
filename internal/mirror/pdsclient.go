package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultPLCDirectoryURL = "https://plc.directory"

// HTTPError reports a non-2xx response from a remote host.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// DIDResolver resolves did:plc and did:web identifiers to the author's
// record host by fetching the DID document and selecting the #atproto_pds
// service entry.
type DIDResolver struct {
	directoryURL string
	httpClient   *http.Client
}

func NewDIDResolver(directoryURL string, httpClient *http.Client) *DIDResolver {
	directoryURL = strings.TrimRight(strings.TrimSpace(directoryURL), "/")
	if directoryURL == "" {
		directoryURL = defaultPLCDirectoryURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &DIDResolver{directoryURL: directoryURL, httpClient: httpClient}
}

type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

func (r *DIDResolver) Resolve(ctx context.Context, did string) (string, error) {
	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.directoryURL + "/" + url.PathEscape(did)
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		if host == "" {
			return "", errors.Wrapf(ErrInvalidInput, "malformed did %q", did)
		}
		docURL = "https://" + host + "/.well-known/did.json"
	default:
		return "", fmt.Errorf("unsupported did method: %s", did)
	}

	var doc didDocument
	if err := getJSON(ctx, r.httpClient, docURL, &doc); err != nil {
		return "", errors.Wrapf(err, "fetch did document for %s", did)
	}
	for _, service := range doc.Service {
		if service.ID == "#atproto_pds" || strings.HasSuffix(service.ID, "#atproto_pds") {
			endpoint := strings.TrimRight(strings.TrimSpace(service.ServiceEndpoint), "/")
			if endpoint == "" {
				break
			}
			return endpoint, nil
		}
	}
	return "", fmt.Errorf("no pds service in did document for %s", did)
}

// XRPCLister pages through an author's collection via the standard
// com.atproto.repo.listRecords endpoint on their host.
type XRPCLister struct {
	httpClient *http.Client
}

func NewXRPCLister(httpClient *http.Client) *XRPCLister {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &XRPCLister{httpClient: httpClient}
}

func (l *XRPCLister) ListPage(ctx context.Context, host, did, collection, cursor string, limit int) (RecordPage, error) {
	query := url.Values{}
	query.Set("repo", did)
	query.Set("collection", collection)
	query.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	target := strings.TrimRight(host, "/") + "/xrpc/com.atproto.repo.listRecords?" + query.Encode()

	var page struct {
		Records []RemoteRecord `json:"records"`
		Cursor  string         `json:"cursor"`
	}
	if err := getJSON(ctx, l.httpClient, target, &page); err != nil {
		return RecordPage{}, errors.Wrapf(err, "list %s for %s", collection, did)
	}
	return RecordPage{Records: page.Records, Cursor: page.Cursor}, nil
}

func getJSON(ctx context.Context, client *http.Client, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: truncateMessage(payload)}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func truncateMessage(payload []byte) string {
	message := strings.TrimSpace(string(payload))
	if len(message) > 200 {
		message = message[:200]
	}
	return message
}
