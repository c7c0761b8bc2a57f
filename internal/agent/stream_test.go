package agent

import (
	"reflect"
	"testing"
)

func collectBlocks(t *testing.T, writes []string) []Block {
	t.Helper()
	var got []Block
	b := NewBlockBuffer(func(blk Block) { got = append(got, blk) })
	for _, w := range writes {
		b.Write(w)
	}
	b.Flush()
	return got
}

func blockTexts(blocks []Block) []string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.Text)
	}
	return out
}

func TestBlockBufferParagraphBoundary(t *testing.T) {
	got := collectBlocks(t, []string{"first para", "graph\n\nsecond paragraph\n\ntail"})
	want := []string{"first paragraph", "second paragraph", "tail"}
	if !reflect.DeepEqual(blockTexts(got), want) {
		t.Errorf("blocks = %q, want %q", blockTexts(got), want)
	}
}

func TestBlockBufferHoldsIncompleteParagraph(t *testing.T) {
	var got []Block
	b := NewBlockBuffer(func(blk Block) { got = append(got, blk) })
	b.Write("streaming text without a boundary")
	if len(got) != 0 {
		t.Fatalf("emitted %d blocks before any boundary", len(got))
	}
	b.Flush()
	if len(got) != 1 || got[0].Text != "streaming text without a boundary" {
		t.Errorf("flush blocks = %+v", got)
	}
}

func TestBlockBufferCodeFence(t *testing.T) {
	// A blank line inside a fence is not a boundary.
	got := collectBlocks(t, []string{"```go\na := 1\n\nb := 2\n```\nafter"})
	want := []string{"```go\na := 1\n\nb := 2\n```", "after"}
	if !reflect.DeepEqual(blockTexts(got), want) {
		t.Errorf("blocks = %q, want %q", blockTexts(got), want)
	}
}

func TestBlockBufferHeadingBoundary(t *testing.T) {
	got := collectBlocks(t, []string{"intro line\n## Details\nbody"})
	want := []string{"intro line", "## Details\nbody"}
	if !reflect.DeepEqual(blockTexts(got), want) {
		t.Errorf("blocks = %q, want %q", blockTexts(got), want)
	}
}

func TestBlockBufferMediaRidesWithBlock(t *testing.T) {
	var got []Block
	b := NewBlockBuffer(func(blk Block) { got = append(got, blk) })
	b.Write("here is a chart")
	b.AddMedia([]string{"https://example.com/chart.png"})
	b.Write("\n\nnext")
	b.Flush()
	if len(got) != 2 {
		t.Fatalf("blocks = %d, want 2", len(got))
	}
	if len(got[0].MediaURLs) != 1 || got[0].MediaURLs[0] != "https://example.com/chart.png" {
		t.Errorf("first block media = %v", got[0].MediaURLs)
	}
	if len(got[1].MediaURLs) != 0 {
		t.Errorf("second block media = %v", got[1].MediaURLs)
	}
}

func TestBlockBufferEmptyFlush(t *testing.T) {
	var got []Block
	b := NewBlockBuffer(func(blk Block) { got = append(got, blk) })
	b.Flush()
	if len(got) != 0 {
		t.Errorf("empty flush emitted %d blocks", len(got))
	}
}
