package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Section is a heading and the visible text under it.
type Section struct {
	Heading string
	Text    string
}

// Page is a fetched document reduced to what the extractors need.
type Page struct {
	URL         string
	Title       string
	SiteName    string
	Author      string
	LicenseHint string
	// StructuredData holds the raw bodies of JSON-LD script blocks.
	StructuredData [][]byte
	Sections       []Section
}

// Text returns the visible text of the page, sections joined by blank lines.
func (p *Page) Text() string {
	var b strings.Builder
	for i, s := range p.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if s.Heading != "" {
			b.WriteString(s.Heading)
			b.WriteString("\n")
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

// SourceText returns the text a draft is compared against for copying:
// the visible text followed by the prose strings of the structured data,
// since the structured tier copies its fields from there.
func (p *Page) SourceText() string {
	var b strings.Builder
	b.WriteString(p.Text())
	for _, raw := range p.StructuredData {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		collectStrings(v, func(s string) {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(s)
		})
	}
	return b.String()
}

// collectStrings calls fn with the cleaned string values in v, skipping
// JSON-LD keywords other than @graph and bare URLs.
func collectStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://") {
			return
		}
		if s := CleanText(t); s != "" {
			fn(s)
		}
	case []any:
		for _, e := range t {
			collectStrings(e, fn)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			if strings.HasPrefix(k, "@") && k != "@graph" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(t[k], fn)
		}
	}
}

var strictPolicy = bluemonday.StrictPolicy()

var spaceRun = regexp.MustCompile(`\s+`)

// CleanText strips markup from a string taken from page data, decodes
// entities and collapses whitespace.
func CleanText(s string) string {
	s = strictPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// NewPage builds a Page from a response body. PDF bodies are converted to
// text; anything else is parsed as HTML.
func NewPage(url, contentType string, body []byte) (*Page, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/pdf" || bytes.HasPrefix(body, []byte("%PDF-")) {
		return pdfPage(url, body)
	}
	return htmlPage(url, body)
}

func pdfPage(url string, body []byte) (*Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	tr, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("reading pdf text: %w", err)
	}
	raw, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("reading pdf text: %w", err)
	}
	return &Page{URL: url, Sections: splitPlainText(string(raw))}, nil
}

// splitPlainText turns unstructured text into sections, treating short
// lines ending in a colon or matching a known heading word as headings.
func splitPlainText(text string) []Section {
	var sections []Section
	cur := Section{}
	var buf []string
	flush := func() {
		if len(buf) > 0 || cur.Heading != "" {
			cur.Text = strings.Join(buf, "\n")
			sections = append(sections, cur)
		}
		buf = nil
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		if looksLikeHeading(line) {
			flush()
			cur = Section{Heading: strings.TrimSuffix(line, ":")}
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return sections
}

func looksLikeHeading(line string) bool {
	if len(line) > 40 {
		return false
	}
	if strings.HasSuffix(line, ":") {
		return true
	}
	return sectionPriority(line) == 0
}

// skipped elements never contribute visible text.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
	atom.Iframe: true, atom.Svg: true, atom.Nav: true, atom.Footer: true,
	atom.Form: true, atom.Button: true, atom.Select: true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Br: true, atom.Tr: true,
	atom.Section: true, atom.Article: true, atom.Ul: true, atom.Ol: true,
	atom.Blockquote: true, atom.Pre: true, atom.Dd: true, atom.Dt: true,
	atom.Table: true, atom.Figcaption: true,
}

var headings = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

func htmlPage(url string, body []byte) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	p := &Page{URL: url}
	w := &textWalker{page: p}
	w.walk(doc)
	w.flush()
	return p, nil
}

type textWalker struct {
	page    *Page
	heading string
	lines   []string
	line    strings.Builder
}

func (w *textWalker) endLine() {
	s := strings.TrimSpace(spaceRun.ReplaceAllString(w.line.String(), " "))
	if s != "" {
		w.lines = append(w.lines, s)
	}
	w.line.Reset()
}

func (w *textWalker) flush() {
	w.endLine()
	if len(w.lines) > 0 || w.heading != "" {
		w.page.Sections = append(w.page.Sections, Section{
			Heading: w.heading,
			Text:    strings.Join(w.lines, "\n"),
		})
	}
	w.lines = nil
	w.heading = ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.TrimSpace(spaceRun.ReplaceAllString(b.String(), " "))
}

func (w *textWalker) meta(n *html.Node) {
	key := strings.ToLower(attr(n, "property"))
	if key == "" {
		key = strings.ToLower(attr(n, "name"))
	}
	content := strings.TrimSpace(attr(n, "content"))
	if content == "" {
		return
	}
	switch key {
	case "og:site_name":
		w.page.SiteName = content
	case "author", "article:author":
		if w.page.Author == "" {
			w.page.Author = content
		}
	case "copyright", "dcterms.rights", "license":
		w.page.LicenseHint = content
	}
}

func (w *textWalker) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script:
			if strings.EqualFold(strings.TrimSpace(attr(n, "type")), "application/ld+json") && n.FirstChild != nil {
				w.page.StructuredData = append(w.page.StructuredData, []byte(n.FirstChild.Data))
			}
			return
		case atom.Title:
			if w.page.Title == "" {
				w.page.Title = nodeText(n)
			}
			return
		case atom.Meta:
			w.meta(n)
			return
		case atom.Link:
			if strings.EqualFold(attr(n, "rel"), "license") && w.page.LicenseHint == "" {
				w.page.LicenseHint = attr(n, "href")
			}
			return
		}
		if headings[n.DataAtom] {
			w.flush()
			w.heading = nodeText(n)
			return
		}
		if skipped[n.DataAtom] {
			return
		}
		if blocks[n.DataAtom] {
			w.endLine()
		}
	}
	if n.Type == html.TextNode {
		w.line.WriteString(n.Data)
		w.line.WriteString(" ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
	if n.Type == html.ElementNode && blocks[n.DataAtom] {
		w.endLine()
	}
}
