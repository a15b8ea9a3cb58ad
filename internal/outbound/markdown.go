package outbound

import (
	"regexp"
	"strings"
)

var (
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.*)$`)
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	italicRe     = regexp.MustCompile(`\*([^*]+)\*|_([^_]+)_`)
	imageRe      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]*)\)`)
	codeFenceRe  = regexp.MustCompile("(?m)^```[ \\t]*([a-zA-Z0-9_+-]*)[ \\t]*$")
)

// DegradeMarkdown rewrites Markdown into plain text for platforms that
// do not render it (§4.I): code blocks become indented lines with a
// leading language label, headings become "【heading】", bold/italic
// markers are stripped, tables are rewritten as padded columns, images
// become "[image: alt]", and inline links become "text (url)".
//
// Lists, inline code spans, strikethrough, blockquotes, and
// horizontal rules pass through unrewritten; none of the §4.I
// platforms this feeds (WeCom-family, QQ-without-markdown) render
// those constructs literally enough to need a dedicated rewrite.
func DegradeMarkdown(text string) string {
	text = degradeCodeFences(text)
	text = degradeTables(text)
	text = headingRe.ReplaceAllString(text, "【$2】")
	text = imageRe.ReplaceAllString(text, "[image: $1]")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = boldRe.ReplaceAllString(text, "$1$2")
	text = italicRe.ReplaceAllString(text, "$1$2")
	return text
}

func degradeCodeFences(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	inFence := false
	lang := ""
	for _, line := range lines {
		if m := codeFenceRe.FindStringSubmatch(line); m != nil {
			if !inFence {
				inFence = true
				lang = m[1]
				if lang != "" {
					out = append(out, "    ["+lang+"]")
				}
				continue
			}
			inFence = false
			lang = ""
			continue
		}
		if inFence {
			out = append(out, "    "+line)
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// degradeTables rewrites "| a | b |" rows into space-padded columns,
// dropping the "---" separator row and sizing each column to the
// widest cell seen in that table block.
func degradeTables(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	var block [][]string

	flush := func() {
		if len(block) == 0 {
			return
		}
		widths := columnWidths(block)
		for _, row := range block {
			var b strings.Builder
			for i, cell := range row {
				if i > 0 {
					b.WriteString("  ")
				}
				b.WriteString(padRight(cell, widths[i]))
			}
			out = append(out, strings.TrimRight(b.String(), " "))
		}
		block = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isTableRow(trimmed) {
			cells := splitRow(trimmed)
			if isSeparatorRow(cells) {
				continue
			}
			block = append(block, cells)
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") && strings.Count(line, "|") >= 2
}

func splitRow(row string) []string {
	row = strings.TrimPrefix(row, "|")
	row = strings.TrimSuffix(row, "|")
	parts := strings.Split(row, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

func columnWidths(block [][]string) []int {
	widths := make([]int, 0)
	for _, row := range block {
		for i, cell := range row {
			for len(widths) <= i {
				widths = append(widths, 0)
			}
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	return widths
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
