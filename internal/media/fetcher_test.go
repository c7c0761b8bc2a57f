package media

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

// pngHeader is the magic prefix http.DetectContentType recognizes as image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestFetchSavesFile(t *testing.T) {
	body := []byte("hello attachment")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(body)
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()))
	got, err := f.Fetch(context.Background(), ts.URL+"/docs/notes.txt")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	data, err := os.ReadFile(got.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Errorf("file content = %q, want %q", data, body)
	}
	if got.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain", got.ContentType)
	}
	if got.Size != int64(len(body)) {
		t.Errorf("Size = %d, want %d", got.Size, len(body))
	}
	if got.Name != "notes.txt" {
		t.Errorf("Name = %q, want notes.txt", got.Name)
	}
	if !strings.HasSuffix(got.Path, ".txt") {
		t.Errorf("expected .txt temp file, got %q", got.Path)
	}
}

func TestFetchPrefersContentDispositionName(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report q3.pdf"`)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4"))
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()))
	got, err := f.Fetch(context.Background(), ts.URL+"/download")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Name != "report q3.pdf" {
		t.Errorf("Name = %q, want report q3.pdf", got.Name)
	}
}

func TestFetchRejectsOversizeContentLength(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 2048)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		w.Write(big)
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()), WithMaxBytes(1024))
	_, err := f.Fetch(context.Background(), ts.URL+"/big.bin")
	if err == nil {
		t.Fatal("expected error for oversized attachment")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchRejectsOversizeChunkedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flush before writing so the response is chunked and carries no
		// Content-Length; the cap must still hold during the copy.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write(bytes.Repeat([]byte("a"), 2048))
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()), WithMaxBytes(1024))
	_, err := f.Fetch(context.Background(), ts.URL+"/stream.bin")
	if err == nil {
		t.Fatal("expected error for oversized chunked body")
	}
	if !strings.Contains(err.Error(), "exceeds max size") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFetchSniffsGenericContentType(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(pngHeader)
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()))
	got, err := f.Fetch(context.Background(), ts.URL+"/mystery")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", got.ContentType)
	}
}

func TestFetchSendsConfiguredAuth(t *testing.T) {
	var gotHeader string
	var gotUser, gotPass string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom")
		gotUser, gotPass, _ = r.BasicAuth()
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	f := NewFetcher(
		WithDir(t.TempDir()),
		WithHeader("X-Custom", "token-123"),
		WithBasicAuth("AC123", "secret"),
	)
	if _, err := f.Fetch(context.Background(), ts.URL+"/guarded"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotHeader != "token-123" {
		t.Errorf("X-Custom header = %q, want token-123", gotHeader)
	}
	if gotUser != "AC123" || gotPass != "secret" {
		t.Errorf("basic auth = %q/%q, want AC123/secret", gotUser, gotPass)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()))
	f.retryDelay = time.Millisecond
	got, err := f.Fetch(context.Background(), ts.URL+"/flaky")
	if err != nil {
		t.Fatalf("Fetch after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if got.Size != int64(len("finally")) {
		t.Errorf("Size = %d, want %d", got.Size, len("finally"))
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var attempts int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()))
	f.retryDelay = time.Millisecond
	if _, err := f.Fetch(context.Background(), ts.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on 4xx)", attempts)
	}
}

func TestFetchTimesOut(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()), WithTimeout(30*time.Millisecond))
	f.retryDelay = time.Millisecond
	if _, err := f.Fetch(context.Background(), ts.URL+"/slow"); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFetchAllDropsFailedItems(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "gone") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("body"))
	}))
	defer ts.Close()

	f := NewFetcher(WithDir(t.TempDir()))
	f.retryDelay = time.Millisecond
	got := f.FetchAll(context.Background(), []bus.MediaAttachment{
		{URL: ts.URL + "/gone.txt"},
		{URL: ts.URL + "/ok.txt"},
		{Path: "/already/local.txt", ContentType: "text/plain"},
	})

	if len(got) != 2 {
		t.Fatalf("got %d attachments, want 2", len(got))
	}
	if got[0].Path == "" || !strings.HasSuffix(got[0].URL, "/ok.txt") {
		t.Errorf("first surviving item should be the fetched one, got %+v", got[0])
	}
	if got[1].Path != "/already/local.txt" {
		t.Errorf("pre-fetched item should pass through untouched, got %+v", got[1])
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"image/jpeg", "image"},
		{"image/png", "image"},
		{"video/mp4", "video"},
		{"audio/ogg", "voice"},
		{"audio/ogg; codecs=opus", "voice"},
		{"audio/mpeg", "audio"},
		{"application/pdf", "document"},
		{"", "document"},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := Kind(tt.contentType); got != tt.want {
				t.Errorf("Kind(%q) = %q, want %q", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		contentType string
		want        string
	}{
		{"from url path", "https://cdn.example.com/a/photo.jpeg", "", ".jpeg"},
		{"from mime when url is bare", "https://cdn.example.com/download", "image/png", ".png"},
		{"query string ignored", "https://cdn.example.com/f.ogg?token=x", "", ".ogg"},
		{"fallback", "https://cdn.example.com/blob", "application/x-thing", ".bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extensionFor(tt.url, tt.contentType); got != tt.want {
				t.Errorf("extensionFor(%q, %q) = %q, want %q", tt.url, tt.contentType, got, tt.want)
			}
		})
	}
}
