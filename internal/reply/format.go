// Package reply converts agent markdown into surface-ready text: table
// rendering, link rewriting, style extraction, and chunking to the
// per-surface length limit.
//
// The pipeline is Format (structure), RewriteLinks (inline links), Chunk
// (length limit). Render runs all three. Transports that support style
// ranges run ExtractStyles per chunk afterwards.
package reply

import (
	"regexp"
	"strings"
)

// TableMode selects how GFM tables are rendered for a surface.
type TableMode string

const (
	// TableModeCode wraps tables in a fenced code block (default).
	TableModeCode TableMode = "code"
	// TableModeCompact renders a padded pipe form without the separator row.
	TableModeCompact TableMode = "compact"
	// TableModeDrop strips tables entirely.
	TableModeDrop TableMode = "drop"
)

// Options are the per-channel-and-account formatting knobs.
type Options struct {
	TableMode TableMode
	TextLimit int // chunk limit in bytes; 0 disables chunking
}

var (
	reHeading  = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
	reHRule    = regexp.MustCompile(`^\s*(-{3,}|\*{3,}|_{3,})\s*$`)
	reQuote    = regexp.MustCompile(`^\s*>\s?`)
	reMultiNL  = regexp.MustCompile(`\n{3,}`)
	reFenceTop = regexp.MustCompile("^\\s*```")
)

// Render runs the full pipeline and returns the chunks to deliver.
func Render(text string, opts Options) []string {
	s := Format(text, opts)
	s = RewriteLinks(s, opts.TextLimit)
	return Chunk(s, opts.TextLimit)
}

// Format converts markdown structure to the surface form: tables per
// TableMode, headings as bold lines, blockquotes with a "> " prefix,
// horizontal rules as a dash row. Inline links are left untouched for
// RewriteLinks. Fenced code blocks pass through verbatim.
func Format(text string, opts Options) string {
	s := strings.ReplaceAll(text, "\r\n", "\n")
	s = convertTables(s, opts.TableMode)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	for _, line := range lines {
		if reFenceTop.MatchString(line) {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}
		switch {
		case reHeading.MatchString(line):
			m := reHeading.FindStringSubmatch(line)
			out = append(out, "**"+m[2]+"**")
		case reHRule.MatchString(line):
			out = append(out, "---")
		case reQuote.MatchString(line):
			out = append(out, "> "+reQuote.ReplaceAllString(line, ""))
		default:
			out = append(out, line)
		}
	}

	s = strings.Join(out, "\n")
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
