package agent

import (
	"strings"
)

// Block is one deliverable segment of streamed reply text.
type Block struct {
	Text      string
	MediaURLs []string
}

// BlockBuffer re-segments streamed agent text on paragraph boundaries.
// Text accumulates until a blank line, a code-fence close, or the start
// of a heading is seen outside an open fence; each completed segment is
// emitted through the callback. Residual text comes out on Flush.
//
// Media urls attach to whatever block is open when they arrive.
type BlockBuffer struct {
	emit    func(Block)
	pending string
	media   []string
}

// NewBlockBuffer creates a buffer emitting completed blocks via emit.
func NewBlockBuffer(emit func(Block)) *BlockBuffer {
	return &BlockBuffer{emit: emit}
}

// Write appends streamed text and emits any blocks it completes.
func (b *BlockBuffer) Write(text string) {
	if text == "" {
		return
	}
	b.pending += text
	for {
		block, rest, ok := splitFirstBlock(b.pending)
		if !ok {
			return
		}
		b.pending = rest
		b.emitBlock(block)
	}
}

// AddMedia attaches urls to the currently open block.
func (b *BlockBuffer) AddMedia(urls []string) {
	b.media = append(b.media, urls...)
}

// Flush emits the residual text as the last block. The buffer is empty
// afterwards and may be reused.
func (b *BlockBuffer) Flush() {
	text := strings.TrimRight(b.pending, "\n")
	b.pending = ""
	if text == "" && len(b.media) == 0 {
		return
	}
	b.emitBlock(text)
}

// Pending returns the buffered text that has not been emitted yet.
func (b *BlockBuffer) Pending() string { return b.pending }

func (b *BlockBuffer) emitBlock(text string) {
	block := Block{Text: strings.TrimRight(text, "\n"), MediaURLs: b.media}
	b.media = nil
	if block.Text == "" && len(block.MediaURLs) == 0 {
		return
	}
	b.emit(block)
}

// splitFirstBlock finds the earliest complete block in text. A block is
// complete at a blank line outside a code fence, after a fence-close
// line, or just before a heading line. The boundary requires at least
// one full line after it, otherwise more streamed text could still
// belong to the block.
func splitFirstBlock(text string) (block, rest string, ok bool) {
	lines := strings.SplitAfter(text, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\n")
		fenceLine := strings.HasPrefix(strings.TrimSpace(trimmed), "```")
		if fenceLine {
			inFence = !inFence
			// Fence close completes the block once the next line exists.
			if !inFence && i+1 < len(lines) && strings.HasSuffix(line, "\n") {
				return join(lines[:i+1]), join(lines[i+1:]), true
			}
			continue
		}
		if inFence {
			continue
		}
		if strings.TrimSpace(trimmed) == "" && i > 0 && i+1 < len(lines) && strings.HasSuffix(line, "\n") {
			return join(lines[:i]), join(lines[i+1:]), true
		}
		// A heading opens a new block; everything before it is complete.
		if i > 0 && isHeadingLine(trimmed) && strings.HasSuffix(line, "\n") {
			return join(lines[:i]), join(lines[i:]), true
		}
	}
	return "", text, false
}

func isHeadingLine(line string) bool {
	s := strings.TrimLeft(line, "#")
	return len(s) < len(line) && strings.HasPrefix(s, " ")
}

func join(lines []string) string { return strings.Join(lines, "") }
