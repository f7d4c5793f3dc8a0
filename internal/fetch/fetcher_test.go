package fetch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFetcher_Fetch(t *testing.T) {
	payload := []byte("3mf-geometry-bytes")
	var gotHeader, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Storage-Token")
		gotAuth = r.Header.Get("Authorization")
		w.Write(payload)
	}))
	defer ts.Close()

	f := NewFetcher(t.TempDir(), discardLogger(), WithStorageToken("secret"))
	res := f.Fetch(context.Background(), ts.URL+"/models/bracket.3mf", "sess-1")
	if !res.OK {
		t.Fatalf("Fetch failed: %s", res.Error)
	}
	if !strings.HasSuffix(res.LocalPath, "bracket.3mf") {
		t.Errorf("local path %q does not end in bracket.3mf", res.LocalPath)
	}
	data, err := os.ReadFile(res.LocalPath)
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("fetched body mismatch")
	}
	if gotHeader != "secret" {
		t.Errorf("X-Storage-Token = %q, want %q", gotHeader, "secret")
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

func TestFetcher_Fetch_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	f := NewFetcher(t.TempDir(), discardLogger())
	res := f.Fetch(context.Background(), ts.URL+"/missing.3mf", "sess-1")
	if res.OK {
		t.Fatal("expected failure for 404")
	}
	if res.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", res.StatusCode)
	}
	if !strings.Contains(res.Error, "404") {
		t.Errorf("error %q does not carry the status code", res.Error)
	}
}

func TestFetcher_Fetch_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // connection refused from here on

	f := NewFetcher(t.TempDir(), discardLogger())
	res := f.Fetch(context.Background(), ts.URL+"/part.3mf", "sess-1")
	if res.OK {
		t.Fatal("expected failure for refused connection")
	}
	if res.StatusCode != 0 {
		t.Errorf("transport errors must not carry a status code, got %d", res.StatusCode)
	}
	if res.Error == "" {
		t.Error("error message is empty")
	}
}

func TestFetcher_Fetch_InvalidInput(t *testing.T) {
	f := NewFetcher(t.TempDir(), discardLogger())

	if res := f.Fetch(context.Background(), "http://example.com/p.3mf", ""); res.OK {
		t.Error("empty session id must fail")
	}
	if res := f.Fetch(context.Background(), "not-a-url", "sess"); res.OK {
		t.Error("relative URL must fail")
	}
}

func TestFileNameFromURL_BarePath(t *testing.T) {
	f := NewFetcher(t.TempDir(), discardLogger())
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer ts.Close()

	res := f.Fetch(context.Background(), ts.URL, "sess-2")
	if !res.OK {
		t.Fatalf("Fetch failed: %s", res.Error)
	}
	if !strings.HasSuffix(res.LocalPath, "artifact.3mf") {
		t.Errorf("bare path should fall back to artifact.3mf, got %q", res.LocalPath)
	}
}
