package outbound

import (
	"strings"
	"testing"
)

func TestDegradeMarkdownHeading(t *testing.T) {
	got := DegradeMarkdown("## Status\nall good")
	if !strings.Contains(got, "【Status】") {
		t.Fatalf("expected heading degradation, got %q", got)
	}
}

func TestDegradeMarkdownBoldAndItalic(t *testing.T) {
	got := DegradeMarkdown("this is **bold** and _italic_ text")
	if strings.Contains(got, "*") || strings.Contains(got, "_italic_") {
		t.Fatalf("expected markers stripped, got %q", got)
	}
	if !strings.Contains(got, "bold") || !strings.Contains(got, "italic") {
		t.Fatalf("expected text preserved, got %q", got)
	}
}

func TestDegradeMarkdownImageAndLink(t *testing.T) {
	got := DegradeMarkdown("![a cat](http://x/cat.png) and [docs](http://x/docs)")
	if !strings.Contains(got, "[image: a cat]") {
		t.Fatalf("expected image degradation, got %q", got)
	}
	if !strings.Contains(got, "docs (http://x/docs)") {
		t.Fatalf("expected link degradation, got %q", got)
	}
}

func TestDegradeMarkdownCodeFence(t *testing.T) {
	got := DegradeMarkdown("```go\nfmt.Println(1)\n```")
	if !strings.Contains(got, "[go]") {
		t.Fatalf("expected language label preserved, got %q", got)
	}
	if !strings.Contains(got, "    fmt.Println(1)") {
		t.Fatalf("expected indented code line, got %q", got)
	}
	if strings.Contains(got, "```") {
		t.Fatalf("expected fence markers removed, got %q", got)
	}
}

func TestDegradeMarkdownTable(t *testing.T) {
	table := "| name | age |\n| --- | --- |\n| alice | 30 |"
	got := DegradeMarkdown(table)
	if strings.Contains(got, "|") || strings.Contains(got, "---") {
		t.Fatalf("expected table rewritten without pipes, got %q", got)
	}
	if !strings.Contains(got, "name") || !strings.Contains(got, "alice") {
		t.Fatalf("expected cell content preserved, got %q", got)
	}
}
