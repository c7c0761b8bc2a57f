package reply

import (
	"strings"
	"unicode/utf8"
)

// Chunk splits text into pieces of at most limit bytes. Splits prefer
// paragraph boundaries, then line boundaries, then spaces; a single token
// longer than the limit is cut at a rune boundary. Fenced code blocks are
// closed at the end of one chunk and re-opened with their info string at
// the start of the next, so every chunk renders as valid markdown.
func Chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	cur := ""
	flush := func() {
		if c := strings.TrimSpace(cur); c != "" {
			chunks = append(chunks, c)
		}
		cur = ""
	}

	for _, b := range splitBlocks(text) {
		joined := b.text
		if cur != "" {
			joined = cur + "\n\n" + b.text
		}
		if len(joined) <= limit {
			cur = joined
			continue
		}
		flush()
		if len(b.text) <= limit {
			cur = b.text
			continue
		}
		var pieces []string
		if b.fence {
			pieces = splitFenceBlock(b, limit)
		} else {
			pieces = splitPlain(b.text, limit)
		}
		// Emit all full pieces; the last one may still take company.
		for i, p := range pieces {
			if i == len(pieces)-1 {
				cur = p
			} else {
				chunks = append(chunks, p)
			}
		}
	}
	flush()
	return chunks
}

// block is a chunking unit: one paragraph, or one whole fenced code block.
type block struct {
	text  string
	fence bool
	info  string // fence info string ("go", "json", ...)
}

func splitBlocks(text string) []block {
	lines := strings.Split(text, "\n")
	var blocks []block
	var para []string

	flushPara := func() {
		if len(para) > 0 {
			blocks = append(blocks, block{text: strings.Join(para, "\n")})
			para = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if reFenceTop.MatchString(line) {
			flushPara()
			info := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "```"))
			fenceLines := []string{line}
			for i++; i < len(lines); i++ {
				fenceLines = append(fenceLines, lines[i])
				if reFenceTop.MatchString(lines[i]) {
					break
				}
			}
			blocks = append(blocks, block{text: strings.Join(fenceLines, "\n"), fence: true, info: info})
			continue
		}
		if strings.TrimSpace(line) == "" {
			flushPara()
			continue
		}
		para = append(para, line)
	}
	flushPara()
	return blocks
}

// splitFenceBlock splits an oversized fenced block into several smaller
// fenced blocks, each re-opened with the original info string.
func splitFenceBlock(b block, limit int) []string {
	open := "```" + b.info
	const closing = "```"

	inner := strings.Split(b.text, "\n")
	// Drop the original fence markers.
	if len(inner) > 0 && reFenceTop.MatchString(inner[0]) {
		inner = inner[1:]
	}
	if len(inner) > 0 && reFenceTop.MatchString(inner[len(inner)-1]) {
		inner = inner[:len(inner)-1]
	}

	budget := limit - len(open) - len(closing) - 2 // two joining newlines
	if budget < 1 {
		// Limit too small to wrap at all; fall back to raw splitting.
		return splitPlain(b.text, limit)
	}

	var pieces []string
	var lines []string
	size := 0
	flush := func() {
		if len(lines) > 0 {
			pieces = append(pieces, open+"\n"+strings.Join(lines, "\n")+"\n"+closing)
			lines, size = nil, 0
		}
	}
	for _, line := range inner {
		for len(line) > budget {
			head := cutAtRuneBoundary(line, budget)
			if size > 0 {
				flush()
			}
			lines, size = []string{head}, len(head)
			flush()
			line = line[len(head):]
		}
		add := len(line)
		if size > 0 {
			add++ // joining newline
		}
		if size+add > budget {
			flush()
			add = len(line)
		}
		lines = append(lines, line)
		size += add
	}
	flush()
	return pieces
}

// splitPlain splits paragraph text: line groups first, long lines on
// spaces, and a single long word at a rune boundary.
func splitPlain(text string, limit int) []string {
	var pieces []string
	cur := ""
	push := func(s string) {
		if cur == "" {
			cur = s
			return
		}
		if len(cur)+1+len(s) <= limit {
			cur += "\n" + s
			return
		}
		pieces = append(pieces, cur)
		cur = s
	}

	for _, line := range strings.Split(text, "\n") {
		if len(line) <= limit {
			push(line)
			continue
		}
		for _, part := range wrapLine(line, limit) {
			push(part)
		}
	}
	if cur != "" {
		pieces = append(pieces, cur)
	}
	return pieces
}

// wrapLine breaks one long line on spaces; words longer than the limit
// are cut at rune boundaries.
func wrapLine(line string, limit int) []string {
	var parts []string
	cur := ""
	for _, word := range strings.Split(line, " ") {
		for len(word) > limit {
			if cur != "" {
				parts = append(parts, cur)
				cur = ""
			}
			head := cutAtRuneBoundary(word, limit)
			parts = append(parts, head)
			word = word[len(head):]
		}
		switch {
		case cur == "":
			cur = word
		case len(cur)+1+len(word) <= limit:
			cur += " " + word
		default:
			parts = append(parts, cur)
			cur = word
		}
	}
	if cur != "" {
		parts = append(parts, cur)
	}
	return parts
}

// cutAtRuneBoundary returns the longest prefix of s at most max bytes that
// does not split a UTF-8 sequence.
func cutAtRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	if end == 0 {
		end = max // invalid UTF-8; cut anyway
	}
	return s[:end]
}
