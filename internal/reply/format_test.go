package reply

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
)

func TestFormatHeadingsBecomeBoldLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"h1", "# Report", "**Report**"},
		{"h3", "### Deep dive", "**Deep dive**"},
		{"trailing hashes", "## Title ##", "**Title**"},
		{"not a heading without space", "#hashtag", "#hashtag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.in, Options{}); got != tt.want {
				t.Errorf("Format(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatHorizontalRule(t *testing.T) {
	got := Format("above\n\n***\n\nbelow", Options{})
	if !strings.Contains(got, "\n---\n") {
		t.Errorf("expected dash row, got %q", got)
	}
}

func TestFormatBlockquotePrefix(t *testing.T) {
	got := Format(">quoted line\n> already spaced", Options{})
	want := "> quoted line\n> already spaced"
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormatLeavesFencedCodeAlone(t *testing.T) {
	in := "```md\n# not a heading\n> not a quote\n```"
	if got := Format(in, Options{}); got != in {
		t.Errorf("fenced content changed: %q", got)
	}
}

func TestFormatCollapsesExtraBlankLines(t *testing.T) {
	got := Format("a\n\n\n\n\nb", Options{})
	if got != "a\n\nb" {
		t.Errorf("Format = %q, want %q", got, "a\n\nb")
	}
}

const sampleTable = "| Name | Qty |\n| --- | --- |\n| Widget | 2 |\n| Gadget | 17 |"

func TestTableModeCode(t *testing.T) {
	got := Format("Inventory:\n\n"+sampleTable+"\n\nDone.", Options{TableMode: TableModeCode})

	if !strings.Contains(got, "```\n| Name | Qty |") {
		t.Errorf("table not fenced:\n%s", got)
	}
	if !strings.Contains(got, "| Gadget | 17 |\n```") {
		t.Errorf("fence not closed after table:\n%s", got)
	}
	if !strings.Contains(got, "Inventory:") || !strings.Contains(got, "Done.") {
		t.Errorf("surrounding text lost:\n%s", got)
	}
}

func TestTableModeDrop(t *testing.T) {
	got := Format("Before\n\n"+sampleTable+"\n\nAfter", Options{TableMode: TableModeDrop})

	if strings.Contains(got, "|") {
		t.Errorf("table not dropped:\n%s", got)
	}
	if !strings.Contains(got, "Before") || !strings.Contains(got, "After") {
		t.Errorf("surrounding text lost:\n%s", got)
	}
}

func TestTableModeCompact(t *testing.T) {
	got := Format(sampleTable, Options{TableMode: TableModeCompact})

	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("want 3 rows (header + 2 body), got %d:\n%s", len(lines), got)
	}
	if strings.Contains(got, "---") {
		t.Errorf("separator row survived:\n%s", got)
	}
	if !strings.HasPrefix(lines[0], "Name") || !strings.Contains(lines[0], "| Qty") {
		t.Errorf("unexpected header row: %q", lines[0])
	}
	// Columns align: every row's first pipe sits at the same offset.
	p0 := strings.IndexByte(lines[0], '|')
	for _, line := range lines[1:] {
		if strings.IndexByte(line, '|') != p0 {
			t.Errorf("columns not aligned:\n%s", got)
			break
		}
	}
}

func TestTableModeCompactAlignsWideRunes(t *testing.T) {
	in := "| 名前 | Qty |\n| --- | --- |\n| ウィジェット | 2 |"
	got := Format(in, Options{TableMode: TableModeCompact})

	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 rows, got %d:\n%s", len(lines), got)
	}
	// Display-width padding: both rows place the first pipe at the same
	// terminal column even though the byte offsets differ.
	w0 := runewidth.StringWidth(lines[0][:strings.IndexByte(lines[0], '|')])
	w1 := runewidth.StringWidth(lines[1][:strings.IndexByte(lines[1], '|')])
	if w0 != w1 {
		t.Errorf("pipe columns misaligned: %d vs %d\n%s", w0, w1, got)
	}
	if !strings.Contains(lines[0], "| Qty") || !strings.Contains(lines[1], "| 2") {
		t.Errorf("unexpected rows:\n%s", got)
	}
}

func TestTableInsideFenceUntouched(t *testing.T) {
	in := "```\n" + sampleTable + "\n```"
	got := Format(in, Options{TableMode: TableModeDrop})
	if !strings.Contains(got, "| Widget | 2 |") {
		t.Errorf("fenced table should pass through, got:\n%s", got)
	}
}
