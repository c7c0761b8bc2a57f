// Package media downloads inbound attachments to local files under a
// per-account size cap and tags each file with a MIME type.
//
// Transports resolve surface-specific handles (file ids, private CDN urls)
// into plain http(s) urls and hand them to a Fetcher; everything after
// that point is shared across channels.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
)

const (
	// DefaultMaxBytes is the download cap applied when the account sets no
	// mediaMaxMb (20MB).
	DefaultMaxBytes int64 = 20 * 1024 * 1024

	// defaultFetchTimeout bounds one attachment download end to end.
	defaultFetchTimeout = 30 * time.Second

	// fetchMaxRetries is the number of download attempts per attachment.
	fetchMaxRetries = 3

	// sniffLen is how many leading bytes MIME detection looks at.
	sniffLen = 512
)

// File describes a fetched attachment on local disk.
type File struct {
	Path        string // temp file path
	ContentType string
	Size        int64
	Name        string // best-effort original name (Content-Disposition, else url path)
}

// Fetcher downloads attachments for one account. The zero-value options
// give a 20MB cap and a 30s per-download timeout.
type Fetcher struct {
	client     *http.Client
	dir        string
	maxBytes   int64
	retryDelay time.Duration
	headers    map[string]string
	user, pass string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxBytes caps a single download; n <= 0 keeps the default.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithMaxMB is WithMaxBytes for the mediaMaxMb account knob.
func WithMaxMB(mb int) Option {
	return WithMaxBytes(int64(mb) * 1024 * 1024)
}

// WithTimeout bounds a single download end to end.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithDir sets the directory downloads are written to (default os.TempDir).
func WithDir(dir string) Option {
	return func(f *Fetcher) { f.dir = dir }
}

// WithHeader adds a header to every download request. Surfaces with
// token-guarded CDNs (Slack url_private) set their Authorization here.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(map[string]string)
		}
		f.headers[key] = value
	}
}

// WithBasicAuth sets credentials for surfaces that guard media urls with
// basic auth (Twilio).
func WithBasicAuth(user, pass string) Option {
	return func(f *Fetcher) {
		f.user, f.pass = user, pass
	}
}

// NewFetcher creates a Fetcher for one account.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:     &http.Client{Timeout: defaultFetchTimeout},
		maxBytes:   DefaultMaxBytes,
		retryDelay: time.Second,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// MaxBytes reports the configured download cap.
func (f *Fetcher) MaxBytes() int64 { return f.maxBytes }

// Fetch downloads one attachment url to a local temp file.
// Oversized responses are rejected before the cap is exceeded on disk.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*File, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchMaxRetries; attempt++ {
		file, retriable, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return file, nil
		}
		lastErr = err
		if !retriable || attempt == fetchMaxRetries {
			break
		}
		slog.Debug("retrying media download", "url", rawURL, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * f.retryDelay):
		}
	}
	return nil, lastErr
}

// fetchOnce performs a single download attempt. The bool reports whether
// the failure is worth retrying (network errors and 5xx/429, not client
// errors or the size cap).
func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*File, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build media request: %w", err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	if f.user != "" || f.pass != "" {
		req.SetBasicAuth(f.user, f.pass)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retriable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retriable, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	// Reject known-oversized bodies before reading them.
	if resp.ContentLength > f.maxBytes {
		return nil, false, fmt.Errorf("media too large: %d bytes (max %d)", resp.ContentLength, f.maxBytes)
	}

	ext := extensionFor(rawURL, resp.Header.Get("Content-Type"))
	tmp, err := os.CreateTemp(f.dir, "omniclaw_media_*"+ext)
	if err != nil {
		return nil, false, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return nil, true, fmt.Errorf("save media: %w", err)
	}
	if written > f.maxBytes {
		os.Remove(tmp.Name())
		return nil, false, fmt.Errorf("media exceeds max size during download: %d bytes", written)
	}

	contentType, err := detectContentType(tmp.Name(), resp.Header.Get("Content-Type"))
	if err != nil {
		os.Remove(tmp.Name())
		return nil, false, err
	}

	return &File{
		Path:        tmp.Name(),
		ContentType: contentType,
		Size:        written,
		Name:        attachmentName(rawURL, resp.Header.Get("Content-Disposition")),
	}, false, nil
}

// FetchAll downloads every attachment that carries a url but no local path
// yet. Failed items are dropped with a warning; one bad attachment never
// blocks the message.
func (f *Fetcher) FetchAll(ctx context.Context, items []bus.MediaAttachment) []bus.MediaAttachment {
	var out []bus.MediaAttachment
	for _, item := range items {
		if item.Path != "" || item.URL == "" {
			out = append(out, item)
			continue
		}
		file, err := f.Fetch(ctx, item.URL)
		if err != nil {
			slog.Warn("failed to download attachment", "url", item.URL, "error", err)
			continue
		}
		item.Path = file.Path
		item.Size = file.Size
		if item.ContentType == "" {
			item.ContentType = file.ContentType
		}
		if kind := Kind(item.ContentType); kind == "image" {
			// Re-encode images before they reach the agent; drop back to the
			// original when the bytes are not decodable.
			if sanitized, err := SanitizeImage(file.Path); err == nil {
				item.Path = sanitized
				item.ContentType = "image/jpeg"
			} else {
				slog.Warn("failed to sanitize image, using original", "error", err)
			}
		}
		out = append(out, item)
	}
	return out
}

// detectContentType prefers the server header and falls back to sniffing
// the first bytes of the saved file.
func detectContentType(path, header string) (string, error) {
	if ct := normalizeContentType(header); ct != "" && ct != "application/octet-stream" {
		return ct, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for mime sniff: %w", err)
	}
	defer fh.Close()
	buf := make([]byte, sniffLen)
	n, err := fh.Read(buf)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("mime sniff: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}

func normalizeContentType(header string) string {
	if header == "" {
		return ""
	}
	ct, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return ct
}

// extensionFor picks a file extension from the url path, else from the
// declared MIME type, else ".bin".
func extensionFor(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 8 {
			return ext
		}
	}
	if ext, ok := extByMIME[normalizeContentType(contentType)]; ok {
		return ext
	}
	return ".bin"
}

var extByMIME = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"audio/wav":       ".wav",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// attachmentName recovers the original filename from the
// Content-Disposition header, else the last url path segment.
func attachmentName(rawURL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return ""
}

// Kind classifies a MIME type into the media categories the content tags
// and delivery layer understand.
func Kind(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "image"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	case strings.HasPrefix(ct, "audio/ogg"):
		// Voice notes arrive as ogg/opus on every surface that has them.
		return "voice"
	case strings.HasPrefix(ct, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
