package reply

import (
	"strings"
	"testing"
)

func TestRewriteLinksDedup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "label equals url",
			in:   "see [example.com](https://example.com)",
			want: "see example.com",
		},
		{
			name: "www and trailing slash ignored",
			in:   "[example.com/docs](https://www.example.com/docs/)",
			want: "example.com/docs",
		},
		{
			name: "domain case insensitive",
			in:   "[Example.COM](https://example.com)",
			want: "Example.COM",
		},
		{
			name: "path case respected",
			in:   "[example.com/API](https://example.com/api)",
			want: "example.com/API (https://example.com/api)",
		},
		{
			name: "different label expands",
			in:   "read [the docs](https://example.com/docs)",
			want: "read the docs (https://example.com/docs)",
		},
		{
			name: "multiple links on one line",
			in:   "[a](https://a.io) and [b](https://b.io)",
			want: "a (https://a.io) and b (https://b.io)",
		},
		{
			name: "plain text untouched",
			in:   "no links here [brackets] (parens)",
			want: "no links here [brackets] (parens)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RewriteLinks(tt.in, 0); got != tt.want {
				t.Errorf("RewriteLinks(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRewriteLinksSuppressesOversizeExpansion(t *testing.T) {
	url := "https://example.com/very/long/path/that/will/exceed/limit"
	in := "click [link](" + url + ")"

	// Expanded form is 64 bytes; with a limit of 50 the url must be
	// dropped so a chunk is never forced to split inside it.
	got := RewriteLinks(in, 50)
	if strings.Contains(got, url) {
		t.Errorf("url should be suppressed under limit 50, got %q", got)
	}
	if !strings.Contains(got, "link") {
		t.Errorf("label lost: %q", got)
	}

	// A generous limit keeps the expansion.
	got = RewriteLinks(in, 100)
	if !strings.Contains(got, "link ("+url+")") {
		t.Errorf("expected expansion under limit 100, got %q", got)
	}
}

func TestRewriteLinksSkipsFencedCode(t *testing.T) {
	in := "```\n[x](https://example.com)\n```"
	if got := RewriteLinks(in, 0); got != in {
		t.Errorf("fenced link rewritten: %q", got)
	}
}

func TestNormalizeLink(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://Example.com/", "example.com"},
		{"http://www.example.com/a/B", "example.com/a/B"},
		{"example.com", "example.com"},
		{"HTTPS://WWW.EXAMPLE.COM/Path", "example.com/Path"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := normalizeLink(tt.in); got != tt.want {
				t.Errorf("normalizeLink(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
