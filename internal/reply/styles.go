package reply

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Style names understood by surfaces with ranged text styles (Signal).
const (
	StyleBold          = "BOLD"
	StyleItalic        = "ITALIC"
	StyleStrikethrough = "STRIKETHROUGH"
	StyleMonospace     = "MONOSPACE"
	StyleSpoiler       = "SPOILER"
)

// StyleRange marks a styled span of plain text. Start and Length count
// UTF-16 code units, the unit Signal (and every JS-derived surface
// protocol) measures strings in.
type StyleRange struct {
	Start  int    `json:"start"`
	Length int    `json:"length"`
	Style  string `json:"style"`
}

type styleMarker struct {
	token     string
	style     string
	verbatim  bool // content is not scanned for nested styles
	multiline bool
}

// Longest tokens first so "```" wins over "`" and "**" over "*".
var styleMarkers = []styleMarker{
	{token: "```", style: StyleMonospace, verbatim: true, multiline: true},
	{token: "**", style: StyleBold},
	{token: "~~", style: StyleStrikethrough},
	{token: "||", style: StyleSpoiler},
	{token: "*", style: StyleItalic},
	{token: "_", style: StyleItalic},
	{token: "`", style: StyleMonospace, verbatim: true},
}

var reFenceInfo = regexp.MustCompile(`^[A-Za-z0-9+#.-]*$`)

// ExtractStyles strips markdown style markers from text and returns the
// plain text plus the style ranges covering the spans the markers
// wrapped. Nested styles produce overlapping ranges. Text without
// markers comes back unchanged with no ranges.
func ExtractStyles(text string) (string, []StyleRange) {
	s := &styleScanner{}
	s.scan(text)
	return string(s.out), s.ranges
}

// StripStyles removes markdown style markers for surfaces with no style
// support at all.
func StripStyles(text string) string {
	plain, _ := ExtractStyles(text)
	return plain
}

type styleScanner struct {
	out    []rune
	utf16  int
	ranges []StyleRange
}

func (s *styleScanner) append(str string) {
	for _, r := range str {
		s.out = append(s.out, r)
		if r > 0xFFFF {
			s.utf16 += 2 // surrogate pair
		} else {
			s.utf16++
		}
	}
}

func (s *styleScanner) scan(text string) {
	i := 0
	for i < len(text) {
		if adv, ok := s.tryMarker(text, i); ok {
			i += adv
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		s.append(string(r))
		i += size
	}
}

// tryMarker attempts to consume a styled span starting at i. It returns
// the number of input bytes consumed when a complete span was found.
func (s *styleScanner) tryMarker(text string, i int) (int, bool) {
	for _, m := range styleMarkers {
		if !strings.HasPrefix(text[i:], m.token) {
			continue
		}
		rest := text[i+len(m.token):]
		end := strings.Index(rest, m.token)
		if end <= 0 {
			continue
		}
		content := rest[:end]
		if !m.multiline && strings.Contains(content, "\n") {
			continue
		}
		if !m.verbatim && !validEmphasisSpan(content) {
			continue
		}
		if m.token == "_" && !s.atWordBoundary(text, i+len(m.token)+end+1) {
			continue
		}

		if m.token == "```" {
			content = stripFenceInfo(content)
		}

		start := s.utf16
		if m.verbatim {
			s.append(content)
		} else {
			s.scan(content)
		}
		s.ranges = append(s.ranges, StyleRange{Start: start, Length: s.utf16 - start, Style: m.style})
		return len(m.token)*2 + end, true
	}
	return 0, false
}

// validEmphasisSpan rejects spans whose content starts or ends with a
// space, so "2 * 3 * 4" keeps its asterisks.
func validEmphasisSpan(content string) bool {
	return strings.TrimSpace(content) != "" &&
		!strings.HasPrefix(content, " ") &&
		!strings.HasSuffix(content, " ")
}

// atWordBoundary reports whether the underscore closing at byte offset
// after is not glued to a following word character, keeping snake_case
// identifiers intact.
func (s *styleScanner) atWordBoundary(text string, after int) bool {
	if len(s.out) > 0 {
		if last := s.out[len(s.out)-1]; unicode.IsLetter(last) || unicode.IsDigit(last) {
			return false
		}
	}
	if after >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[after:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// stripFenceInfo drops the info string line from fenced content and the
// newlines hugging the fence markers.
func stripFenceInfo(content string) string {
	if idx := strings.Index(content, "\n"); idx >= 0 && reFenceInfo.MatchString(content[:idx]) {
		content = content[idx+1:]
	}
	return strings.TrimSuffix(content, "\n")
}

// UTF16Length counts a string in UTF-16 code units.
func UTF16Length(s string) int {
	count := 0
	for _, r := range s {
		if r > 0xFFFF {
			count += 2
		} else {
			count++
		}
	}
	return count
}
