// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// The goldmark parser is configured once and shared. Parsing creates
// per-call state through Parse(reader), so the shared instance is safe
// for concurrent use.
var (
	mdParser     goldmark.Markdown
	mdParserOnce sync.Once
)

func parser() goldmark.Markdown {
	mdParserOnce.Do(func() {
		mdParser = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return mdParser
}

// wrapBreakpoints are the characters ansi.Wrap may break a line at.
const wrapBreakpoints = " ,.;-+|"

// minContentWidth floors the usable width after indent prefixes so
// deeply nested content still wraps sanely.
const minContentWidth = 10

// RenderMarkdown renders markdown as ANSI-styled terminal text wrapped
// to width. Soft line breaks inside paragraphs become spaces, so text
// hard-wrapped in the source reflows cleanly at any width. Code blocks
// keep their line structure and get chroma syntax highlighting.
func RenderMarkdown(source string, theme Theme, width int) string {
	if source == "" {
		return ""
	}
	raw := []byte(source)
	document := parser().Parser().Parse(text.NewReader(raw))

	// The color profile is pinned rather than detected: transcript
	// output is often piped or captured, and auto-detection would
	// strip all styling without a TTY. SetColorProfile is needed on
	// top of WithProfile because the lipgloss renderer re-detects
	// unless the profile is set explicitly.
	lip := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ANSI256))
	lip.SetColorProfile(termenv.ANSI256)

	r := &renderer{source: raw, theme: theme, width: width, lip: lip}
	ast.Walk(document, r.walk)
	return strings.TrimRight(r.out.String(), "\n")
}

// renderer walks a goldmark AST and accumulates styled terminal text.
// It walks the AST directly instead of implementing goldmark's renderer
// interface: paragraph content has to collect in a buffer and word-wrap
// as a unit when the paragraph closes, which the streaming renderer
// callbacks make awkward.
type renderer struct {
	source []byte
	theme  Theme
	width  int
	lip    *lipgloss.Renderer

	out strings.Builder

	// paragraph collects styled inline fragments until the enclosing
	// block closes and flushes them with word-wrap.
	paragraph strings.Builder

	// indents is the stack of active line prefixes (blockquote bars,
	// list continuations). bullet, when set, replaces the whole prefix
	// for the next emitted line.
	indents []indent
	bullet  string

	// Inline style depth. Counters rather than booleans so nested
	// emphasis unwinds correctly.
	bold   int
	italic int
	strike int

	lists []listLevel

	// newlines tracks the trailing newline run in out, for blank line
	// management between blocks.
	newlines int
}

type indent struct {
	text  string
	width int
}

type listLevel struct {
	ordered bool
	next    int
	tight   bool
}

func (r *renderer) style() lipgloss.Style {
	return r.lip.NewStyle()
}

// prefix is the concatenation of all active indents.
func (r *renderer) prefix() string {
	var b strings.Builder
	for _, in := range r.indents {
		b.WriteString(in.text)
	}
	return b.String()
}

// contentWidth is the wrap width left over after the active indents.
func (r *renderer) contentWidth() int {
	width := r.width
	for _, in := range r.indents {
		width -= in.width
	}
	if width < minContentWidth {
		width = minContentWidth
	}
	return width
}

func (r *renderer) pushIndent(text string, width int) {
	r.indents = append(r.indents, indent{text: text, width: width})
}

func (r *renderer) popIndent() {
	if len(r.indents) > 0 {
		r.indents = r.indents[:len(r.indents)-1]
	}
}

// write appends to the output, maintaining the trailing newline count.
func (r *renderer) write(s string) {
	if s == "" {
		return
	}
	r.out.WriteString(s)

	trailing := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\n'; i-- {
		trailing++
	}
	if trailing == len(s) {
		r.newlines += trailing
	} else {
		r.newlines = trailing
	}
}

func (r *renderer) endLine() {
	if r.newlines < 1 {
		r.write("\n")
	}
}

func (r *renderer) blankLine() {
	for r.newlines < 2 {
		r.write("\n")
	}
}

// takeBullet returns the prefix for the next line: the pending bullet
// if one is set, the regular indent prefix otherwise.
func (r *renderer) takeBullet() string {
	if r.bullet != "" {
		b := r.bullet
		r.bullet = ""
		return b
	}
	return r.prefix()
}

// indented prepends line prefixes to content: the bullet (if pending)
// on the first line, the indent prefix on the rest.
func (r *renderer) indented(content string) string {
	lines := strings.Split(content, "\n")
	cont := r.prefix()
	var b strings.Builder
	for i, line := range lines {
		if i == 0 {
			b.WriteString(r.takeBullet())
		} else {
			b.WriteString(cont)
		}
		b.WriteString(line)
		if i < len(lines)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// flushParagraph wraps the collected inline content and writes it with
// prefixes applied. No-op when nothing accumulated.
func (r *renderer) flushParagraph() {
	content := r.paragraph.String()
	r.paragraph.Reset()
	if content == "" {
		return
	}
	wrapped := ansi.Wrap(content, r.contentWidth(), wrapBreakpoints)
	r.write(r.indented(wrapped))
	r.endLine()
	if !r.inTightList() {
		r.blankLine()
	}
}

func (r *renderer) inTightList() bool {
	return len(r.lists) > 0 && r.lists[len(r.lists)-1].tight
}

// styled renders text with the current emphasis state on top of the
// normal text color.
func (r *renderer) styled(s string) string {
	style := r.style().Foreground(r.theme.NormalText)
	if r.bold > 0 {
		style = style.Bold(true)
	}
	if r.italic > 0 {
		style = style.Italic(true)
	}
	if r.strike > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(s)
}

// collectInline renders a node's children into a string, saving and
// restoring the paragraph buffer and emphasis state around the nested
// walk.
func (r *renderer) collectInline(node ast.Node) string {
	saved := r.paragraph.String()
	savedBold, savedItalic, savedStrike := r.bold, r.italic, r.strike

	r.paragraph.Reset()
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		ast.Walk(child, r.walk)
	}
	content := r.paragraph.String()

	r.paragraph.Reset()
	r.paragraph.WriteString(saved)
	r.bold, r.italic, r.strike = savedBold, savedItalic, savedStrike
	return content
}

func (r *renderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {
	case ast.KindDocument:

	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			r.paragraph.Reset()
		} else {
			r.flushParagraph()
		}

	case ast.KindHeading:
		if entering {
			r.paragraph.Reset()
		} else {
			r.heading(node.(*ast.Heading))
		}

	case ast.KindFencedCodeBlock:
		if entering {
			block := node.(*ast.FencedCodeBlock)
			r.codeBlock(blockText(block, r.source), string(block.Language(r.source)))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindCodeBlock:
		if entering {
			r.codeBlock(blockText(node, r.source), "")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			r.pushIndent("│ ", 2)
		} else {
			r.popIndent()
			r.blankLine()
		}

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			start := 0
			if list.IsOrdered() {
				start = list.Start
			}
			r.lists = append(r.lists, listLevel{
				ordered: list.IsOrdered(),
				next:    start,
				tight:   list.IsTight,
			})
		} else {
			if len(r.lists) > 0 {
				r.lists = r.lists[:len(r.lists)-1]
			}
			if !r.inTightList() {
				r.blankLine()
			}
		}

	case ast.KindListItem:
		if entering {
			r.enterListItem()
		} else {
			r.popIndent()
			if r.inTightList() {
				r.endLine()
			} else {
				r.blankLine()
			}
		}

	case ast.KindThematicBreak:
		if entering {
			rule := r.style().Foreground(r.theme.RuleColor).
				Render(strings.Repeat("─", r.contentWidth()))
			r.blankLine()
			r.write(r.indented(rule))
			r.endLine()
			r.blankLine()
		}

	case ast.KindHTMLBlock:
		if entering {
			r.htmlBlock(node.(*ast.HTMLBlock))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindText:
		if entering {
			t := node.(*ast.Text)
			r.paragraph.WriteString(r.styled(string(t.Segment.Value(r.source))))
			if t.SoftLineBreak() {
				// Soft breaks become spaces so source text wrapped at
				// one width reflows at another.
				r.paragraph.WriteString(" ")
			}
			if t.HardLineBreak() {
				r.paragraph.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			r.paragraph.WriteString(r.styled(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		delta := 1
		if !entering {
			delta = -1
		}
		if node.(*ast.Emphasis).Level >= 2 {
			r.bold += delta
		} else {
			r.italic += delta
		}

	case ast.KindCodeSpan:
		if entering {
			r.codeSpan(node)
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		if entering {
			link := node.(*ast.Link)
			r.paragraph.WriteString(r.collectInline(link))
			if url := string(link.Destination); url != "" {
				r.paragraph.WriteString(" " + r.style().Foreground(r.theme.LinkText).Render("("+url+")"))
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindAutoLink:
		if entering {
			url := string(node.(*ast.AutoLink).URL(r.source))
			r.paragraph.WriteString(r.style().Foreground(r.theme.LinkText).Render(url))
		}

	case ast.KindImage:
		if entering {
			image := node.(*ast.Image)
			faint := r.style().Foreground(r.theme.FaintText)
			r.paragraph.WriteString(faint.Render("[image: " + ansi.Strip(r.collectInline(image)) + "]"))
			if url := string(image.Destination); url != "" {
				r.paragraph.WriteString(" " + faint.Render("("+url+")"))
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindRawHTML:
		if entering {
			r.rawHTML(node.(*ast.RawHTML))
		}

	case extast.KindStrikethrough:
		if entering {
			r.strike++
		} else {
			r.strike--
		}

	case extast.KindTable:
		if entering {
			r.table(node.(*extast.Table))
			return ast.WalkSkipChildren, nil
		}

	case extast.KindTaskCheckBox:
		if entering {
			if node.(*extast.TaskCheckBox).IsChecked {
				check := r.style().Foreground(r.theme.SuccessAccent)
				r.paragraph.WriteString(check.Render("[x]") + " ")
			} else {
				r.paragraph.WriteString(r.styled("[ ] "))
			}
		}
	}

	return ast.WalkContinue, nil
}

func (r *renderer) heading(heading *ast.Heading) {
	// The heading carries its own style; inline styling collected
	// during the walk is stripped rather than layered under it.
	content := ansi.Strip(r.paragraph.String())
	r.paragraph.Reset()
	if content == "" {
		return
	}

	style := r.style().Bold(true).Foreground(r.theme.NormalText)
	if heading.Level <= 2 {
		style = style.Foreground(r.theme.HeaderText)
	}

	wrapped := ansi.Wrap(style.Render(content), r.contentWidth(), wrapBreakpoints)
	r.blankLine()
	r.write(r.indented(wrapped))
	r.endLine()
	r.blankLine()
}

// blockText concatenates the source lines of a block-level node.
func blockText(node ast.Node, source []byte) string {
	var b strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return b.String()
}

// codeBlock writes a code block line by line, bypassing word-wrap so
// the code's own line structure survives.
func (r *renderer) codeBlock(code, language string) {
	highlighted := r.highlight(code, language)
	r.blankLine()
	for _, line := range strings.Split(strings.TrimRight(highlighted, "\n"), "\n") {
		r.write(r.takeBullet() + line)
		r.endLine()
	}
	r.blankLine()
}

// highlight syntax-highlights code with chroma. Unknown languages and
// highlighter errors fall back to faint plain text.
func (r *renderer) highlight(code, language string) string {
	if language != "" {
		var b strings.Builder
		if err := quick.Highlight(&b, code, language, "terminal256", "monokai"); err == nil {
			return b.String()
		}
	}
	return r.style().Foreground(r.theme.FaintText).Render(code)
}

func (r *renderer) enterListItem() {
	if len(r.lists) == 0 {
		return
	}
	level := &r.lists[len(r.lists)-1]

	var marker string
	if level.ordered {
		marker = fmt.Sprintf("%d. ", level.next)
		level.next++
	} else {
		marker = "- "
	}

	// Markers are ASCII, so byte length is visual width. The bullet
	// replaces the whole prefix on the item's first line; continuation
	// lines get matching spaces.
	r.bullet = r.prefix() + marker
	r.pushIndent(strings.Repeat(" ", len(marker)), len(marker))
}

func (r *renderer) codeSpan(node ast.Node) {
	var code strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch c := child.(type) {
		case *ast.Text:
			code.Write(c.Segment.Value(r.source))
		case *ast.String:
			code.Write(c.Value)
		}
	}
	r.paragraph.WriteString(r.style().Foreground(r.theme.FaintText).Render(code.String()))
}

func (r *renderer) htmlBlock(node *ast.HTMLBlock) {
	stripped := strings.TrimSpace(stripTags(blockText(node, r.source)))
	if stripped == "" {
		return
	}
	faint := r.style().Foreground(r.theme.FaintText)
	r.write(r.indented(faint.Render(stripped)))
	r.endLine()
	r.blankLine()
}

func (r *renderer) rawHTML(node *ast.RawHTML) {
	var b strings.Builder
	for i := 0; i < node.Segments.Len(); i++ {
		seg := node.Segments.At(i)
		b.Write(seg.Value(r.source))
	}
	if stripped := stripTags(b.String()); stripped != "" {
		r.paragraph.WriteString(r.style().Foreground(r.theme.FaintText).Render(stripped))
	}
}

// --- Tables ---

func (r *renderer) table(table *extast.Table) {
	var header []string
	var rows [][]string
	for child := table.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.Kind() {
		case extast.KindTableHeader:
			header = r.tableRow(child)
		case extast.KindTableRow:
			rows = append(rows, r.tableRow(child))
		}
	}

	columns := len(header)
	if columns == 0 && len(rows) > 0 {
		columns = len(rows[0])
	}
	if columns == 0 {
		return
	}

	widths := tableWidths(header, rows, columns, r.contentWidth())
	const gap = "  "

	r.blankLine()
	if len(header) > 0 {
		bold := r.style().Bold(true).Foreground(r.theme.HeaderText)
		r.write(r.takeBullet() + formatRow(header, widths, table.Alignments, gap, bold))
		r.endLine()

		parts := make([]string, len(widths))
		for i, w := range widths {
			parts[i] = strings.Repeat("─", w)
		}
		rule := r.style().Foreground(r.theme.RuleColor)
		r.write(r.prefix() + rule.Render(strings.Join(parts, gap)))
		r.endLine()
	}
	for _, row := range rows {
		r.write(r.prefix() + formatRow(row, widths, table.Alignments, gap, r.style()))
		r.endLine()
	}
	r.blankLine()
}

func (r *renderer) tableRow(row ast.Node) []string {
	var cells []string
	for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
		if cell.Kind() == extast.KindTableCell {
			cells = append(cells, r.collectInline(cell))
		}
	}
	return cells
}

// tableWidths sizes columns to their widest cell, then caps each
// column at an even share of the available width when the natural
// sizes overflow it.
func tableWidths(header []string, rows [][]string, columns, available int) []int {
	widths := make([]int, columns)
	measure := func(cells []string) {
		for i, cell := range cells {
			if i < columns {
				if w := lipgloss.Width(cell); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}
	measure(header)
	for _, row := range rows {
		measure(row)
	}

	const gapWidth = 2
	total := gapWidth * (columns - 1)
	for _, w := range widths {
		total += w
	}
	if total <= available {
		return widths
	}

	limit := (available - gapWidth*(columns-1)) / columns
	if limit < 3 {
		limit = 3
	}
	for i, w := range widths {
		if w > limit {
			widths[i] = limit
		}
	}
	return widths
}

func formatRow(cells []string, widths []int, alignments []extast.Alignment, gap string, style lipgloss.Style) string {
	parts := make([]string, len(widths))
	for i, width := range widths {
		var cell string
		if i < len(cells) {
			cell = cells[i]
		}
		if lipgloss.Width(cell) > width {
			cell = ansi.Truncate(cell, width, "…")
		}

		pad := width - lipgloss.Width(cell)
		if pad < 0 {
			pad = 0
		}
		var alignment extast.Alignment
		if i < len(alignments) {
			alignment = alignments[i]
		}
		switch alignment {
		case extast.AlignRight:
			cell = strings.Repeat(" ", pad) + cell
		case extast.AlignCenter:
			left := pad / 2
			cell = strings.Repeat(" ", left) + cell + strings.Repeat(" ", pad-left)
		default:
			cell += strings.Repeat(" ", pad)
		}
		parts[i] = cell
	}
	return style.Render(strings.Join(parts, gap))
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripTags drops HTML tags, keeping only text content.
func stripTags(html string) string {
	return tagPattern.ReplaceAllString(html, "")
}
