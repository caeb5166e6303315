package hostrt

import (
	"strings"

	"github.com/hrygo/wristclaw-gateway/internal/config"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	gast "github.com/yuin/goldmark/extension/ast"
	gmtext "github.com/yuin/goldmark/text"
)

var tableMarkdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// ConvertMarkdownTables rewrites every GFM table in src into a plain-text,
// column-aligned block most chat clients can render without markdown
// support — agents routinely emit comparison tables, and the Server has no
// markdown renderer on its side.
func ConvertMarkdownTables(src string) string {
	source := []byte(src)
	doc := tableMarkdown.Parser().Parse(gmtext.NewReader(source))

	type span struct{ start, end int }
	var tables []span

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if n.Kind() != gast.KindTable {
			return ast.WalkContinue, nil
		}
		lines := n.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		start := lines.At(0).Start
		end := lines.At(lines.Len() - 1).Stop
		tables = append(tables, span{start, end})
		return ast.WalkSkipChildren, nil
	})

	if len(tables) == 0 {
		return src
	}

	var out strings.Builder
	last := 0
	for _, sp := range tables {
		out.Write(source[last:sp.start])
		out.WriteString(renderPlainTable(string(source[sp.start:sp.end])))
		last = sp.end
	}
	out.Write(source[last:])
	return out.String()
}

// renderPlainTable reformats a raw GFM table's pipe-delimited rows into
// evenly padded plain-text columns, dropping the alignment separator row.
func renderPlainTable(raw string) string {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	var rows [][]string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if i == 1 && isSeparatorRow(trimmed) {
			continue
		}
		rows = append(rows, splitRow(trimmed))
	}
	if len(rows) == 0 {
		return raw
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var out strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				out.WriteString(padRight(cell, widths[i]))
			} else {
				out.WriteString(cell)
			}
			if i < len(row)-1 {
				out.WriteString("  ")
			}
		}
		out.WriteString("\n")
	}
	return out.String()
}

func isSeparatorRow(line string) bool {
	trimmed := strings.Trim(line, "|")
	for _, part := range strings.Split(trimmed, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Trim(part, "-: ") != "" {
			return false
		}
	}
	return true
}

func splitRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// ResolveChunkModeFor picks the chunk mode an account's messages render with.
// Every configured account currently uses the same mode — the hook exists
// so a future per-account rendering preference has somewhere to live.
func ResolveChunkModeFor(acct *config.Account) ChunkMode {
	return ChunkModeMarkdownTable
}

// ChunkMarkdownText splits text into pieces no longer than MaxChunkLen,
// converting markdown tables first when mode requests it, and never
// splitting inside a rune.
func ChunkMarkdownText(text, mode ChunkMode) []string {
	body := text
	if mode == ChunkModeMarkdownTable {
		body = ConvertMarkdownTables(body)
	}
	return chunkRunes(body, MaxChunkLen)
}

func chunkRunes(s string, maxLen int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	for start := 0; start < len(runes); start += maxLen {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
