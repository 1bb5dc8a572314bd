package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/pkg/errors"
)

func TestDIDResolverPLC(t *testing.T) {
	const did = "did:plc:abc123"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+did {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"service": [
				{"id": "#atproto_labeler", "type": "AtprotoLabeler", "serviceEndpoint": "https://labeler.example"},
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example/"}
			]
		}`))
	}))
	defer server.Close()

	resolver := NewDIDResolver(server.URL, server.Client())
	host, err := resolver.Resolve(context.Background(), did)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if host != "https://pds.example" {
		t.Fatalf("expected pds endpoint with trailing slash trimmed, got %q", host)
	}
}

func TestDIDResolverQualifiedServiceID(t *testing.T) {
	const did = "did:plc:qualified"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"service": [
				{"id": "` + did + `#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example"}
			]
		}`))
	}))
	defer server.Close()

	resolver := NewDIDResolver(server.URL, server.Client())
	host, err := resolver.Resolve(context.Background(), did)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if host != "https://pds.example" {
		t.Fatalf("unexpected host %q", host)
	}
}

func TestDIDResolverNoPDSService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"service": []}`))
	}))
	defer server.Close()

	resolver := NewDIDResolver(server.URL, server.Client())
	if _, err := resolver.Resolve(context.Background(), "did:plc:nopds"); err == nil {
		t.Fatalf("expected error for document without pds service")
	}
}

func TestDIDResolverUnsupportedMethod(t *testing.T) {
	resolver := NewDIDResolver("", nil)
	if _, err := resolver.Resolve(context.Background(), "did:key:zabc"); err == nil {
		t.Fatalf("expected error for unsupported did method")
	}
}

func TestDIDResolverDirectoryError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not registered", http.StatusNotFound)
	}))
	defer server.Close()

	resolver := NewDIDResolver(server.URL, server.Client())
	_, err := resolver.Resolve(context.Background(), "did:plc:missing")
	if err == nil {
		t.Fatalf("expected error for 404 directory response")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected HTTPError with 404, got %v", err)
	}
}

func TestXRPCListerBuildsListRecordsRequest(t *testing.T) {
	var gotPath string
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"records": [
				{"uri": "at://did:plc:alice/app.test.item/k1", "cid": "cid-k1", "value": {"v": 1}},
				{"uri": "at://did:plc:alice/app.test.item/k2", "cid": "cid-k2", "value": {"v": 2}}
			],
			"cursor": "next-token"
		}`))
	}))
	defer server.Close()

	lister := NewXRPCLister(server.Client())
	page, err := lister.ListPage(context.Background(), server.URL, "did:plc:alice", "app.test.item", "prev-token", 100)
	if err != nil {
		t.Fatalf("list page failed: %v", err)
	}
	if gotPath != "/xrpc/com.atproto.repo.listRecords" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotQuery.Get("repo") != "did:plc:alice" || gotQuery.Get("collection") != "app.test.item" {
		t.Fatalf("unexpected query %v", gotQuery)
	}
	if gotQuery.Get("limit") != "100" || gotQuery.Get("cursor") != "prev-token" {
		t.Fatalf("unexpected pagination params %v", gotQuery)
	}
	if len(page.Records) != 2 || page.Cursor != "next-token" {
		t.Fatalf("unexpected page: %d records, cursor %q", len(page.Records), page.Cursor)
	}
	if page.Records[0].URI != "at://did:plc:alice/app.test.item/k1" || string(page.Records[0].Value) != `{"v": 1}` {
		t.Fatalf("unexpected first record: %+v", page.Records[0])
	}
}

func TestXRPCListerOmitsEmptyCursor(t *testing.T) {
	var gotQuery url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records": []}`))
	}))
	defer server.Close()

	lister := NewXRPCLister(server.Client())
	page, err := lister.ListPage(context.Background(), server.URL, "did:plc:alice", "app.test.item", "", 50)
	if err != nil {
		t.Fatalf("list page failed: %v", err)
	}
	if gotQuery.Has("cursor") {
		t.Fatalf("empty cursor must be omitted, got %v", gotQuery)
	}
	if len(page.Records) != 0 || page.Cursor != "" {
		t.Fatalf("expected empty exhausted page, got %+v", page)
	}
}

func TestXRPCListerServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "repo not found", http.StatusBadRequest)
	}))
	defer server.Close()

	lister := NewXRPCLister(server.Client())
	_, err := lister.ListPage(context.Background(), server.URL, "did:plc:alice", "app.test.item", "", 50)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected HTTPError with 400, got %v", err)
	}
}
