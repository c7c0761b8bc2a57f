package reply

import (
	"reflect"
	"testing"
)

func TestExtractStylesBasicSpans(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantText  string
		wantRange []StyleRange
	}{
		{
			name:      "bold",
			in:        "a **bold** word",
			wantText:  "a bold word",
			wantRange: []StyleRange{{Start: 2, Length: 4, Style: StyleBold}},
		},
		{
			name:      "italic asterisk",
			in:        "*hi* there",
			wantText:  "hi there",
			wantRange: []StyleRange{{Start: 0, Length: 2, Style: StyleItalic}},
		},
		{
			name:      "italic underscore",
			in:        "say _hi_ now",
			wantText:  "say hi now",
			wantRange: []StyleRange{{Start: 4, Length: 2, Style: StyleItalic}},
		},
		{
			name:      "strikethrough",
			in:        "~~gone~~",
			wantText:  "gone",
			wantRange: []StyleRange{{Start: 0, Length: 4, Style: StyleStrikethrough}},
		},
		{
			name:      "monospace",
			in:        "run `go test` here",
			wantText:  "run go test here",
			wantRange: []StyleRange{{Start: 4, Length: 7, Style: StyleMonospace}},
		},
		{
			name:      "spoiler",
			in:        "answer: ||42||",
			wantText:  "answer: 42",
			wantRange: []StyleRange{{Start: 8, Length: 2, Style: StyleSpoiler}},
		},
		{
			name:     "no markers",
			in:       "plain text",
			wantText: "plain text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, ranges := ExtractStyles(tt.in)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if !reflect.DeepEqual(ranges, tt.wantRange) {
				t.Errorf("ranges = %+v, want %+v", ranges, tt.wantRange)
			}
		})
	}
}

func TestExtractStylesCountsUTF16Units(t *testing.T) {
	// The emoji is one rune but two UTF-16 code units, so the bold span
	// after it starts at 3, not 2.
	text, ranges := ExtractStyles("🎉 **yay**")
	if text != "🎉 yay" {
		t.Fatalf("text = %q", text)
	}
	want := []StyleRange{{Start: 3, Length: 3, Style: StyleBold}}
	if !reflect.DeepEqual(ranges, want) {
		t.Errorf("ranges = %+v, want %+v", ranges, want)
	}
}

func TestExtractStylesNestedSpansOverlap(t *testing.T) {
	text, ranges := ExtractStyles("**bold and _italic_**")
	if text != "bold and italic" {
		t.Fatalf("text = %q", text)
	}
	want := []StyleRange{
		{Start: 9, Length: 6, Style: StyleItalic},
		{Start: 0, Length: 15, Style: StyleBold},
	}
	if !reflect.DeepEqual(ranges, want) {
		t.Errorf("ranges = %+v, want %+v", ranges, want)
	}
}

func TestExtractStylesFencedBlock(t *testing.T) {
	text, ranges := ExtractStyles("```go\nx := 1\ny := 2\n```")
	if text != "x := 1\ny := 2" {
		t.Fatalf("text = %q", text)
	}
	want := []StyleRange{{Start: 0, Length: 13, Style: StyleMonospace}}
	if !reflect.DeepEqual(ranges, want) {
		t.Errorf("ranges = %+v, want %+v", ranges, want)
	}
}

func TestExtractStylesLeavesMathAlone(t *testing.T) {
	tests := []string{
		"2 * 3 * 4",
		"a_b and c_d",
		"price is 3*4",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			text, ranges := ExtractStyles(in)
			if text != in {
				t.Errorf("text = %q, want unchanged %q", text, in)
			}
			if len(ranges) != 0 {
				t.Errorf("unexpected ranges %+v", ranges)
			}
		})
	}
}

func TestExtractStylesCodeContentNotParsed(t *testing.T) {
	text, ranges := ExtractStyles("`**not bold**`")
	if text != "**not bold**" {
		t.Fatalf("text = %q", text)
	}
	if len(ranges) != 1 || ranges[0].Style != StyleMonospace {
		t.Errorf("ranges = %+v, want one MONOSPACE", ranges)
	}
}

func TestStripStyles(t *testing.T) {
	got := StripStyles("**Heading**\nplain _aside_")
	if got != "Heading\nplain aside" {
		t.Errorf("StripStyles = %q", got)
	}
}

func TestUTF16Length(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"abc", 3},
		{"héllo", 5},
		{"🎉", 2},
		{"日本語", 3},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := UTF16Length(tt.in); got != tt.want {
				t.Errorf("UTF16Length(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
