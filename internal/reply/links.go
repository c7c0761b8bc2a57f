package reply

import (
	"regexp"
	"strings"
)

var (
	reMarkdownLink = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	reLinkScheme   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

// RewriteLinks renders inline markdown links for plain surfaces.
// "[X](Y)" becomes "X" when the label and the url normalize to the same
// address, otherwise "X (Y)". When limit > 0 and the expanded form could
// never fit inside one chunk, the url is dropped and only the label kept,
// so a later chunk pass is never forced to split inside the url.
// Fenced code blocks are left untouched.
func RewriteLinks(text string, limit int) string {
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		if reFenceTop.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence || !strings.Contains(line, "](") {
			continue
		}
		lines[i] = reMarkdownLink.ReplaceAllStringFunc(line, func(match string) string {
			m := reMarkdownLink.FindStringSubmatch(match)
			label, url := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
			if normalizeLink(label) == normalizeLink(url) {
				return label
			}
			expanded := label + " (" + url + ")"
			if limit > 0 && len(expanded) > limit {
				return label
			}
			return expanded
		})
	}
	return strings.Join(lines, "\n")
}

// normalizeLink reduces a link form to a comparable address: scheme and
// leading "www." stripped, trailing "/" stripped, domain lowercased while
// the path keeps its case.
func normalizeLink(s string) string {
	s = strings.TrimSpace(s)
	s = reLinkScheme.ReplaceAllString(s, "")
	s = strings.TrimSuffix(s, "/")
	host, rest := s, ""
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		host, rest = s[:i], s[i:]
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return host + rest
}
