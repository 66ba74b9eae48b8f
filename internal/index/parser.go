package index

import (
	"bytes"
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
)

// Surface labels the structural origin of a chunk.
const (
	SurfaceTitle     = "title"
	SurfaceHeading   = "heading"
	SurfaceParagraph = "paragraph"
	SurfaceTableRow  = "table_row"
	SurfaceCaption   = "caption"
	SurfaceListItem  = "list_item"
	SurfaceKV        = "kv"
	SurfaceJSON      = "embedded_json"
	SurfaceMeta      = "structured_metadata"
	SurfaceText      = "text"
)

// RawChunk is one parsed surface before snippet IDs are assigned.
// Offsets are rune positions in the document's extracted text stream.
type RawChunk struct {
	Surface string
	Text    string
	Start   int
	End     int

	// Set for table_row and kv surfaces
	Key   string
	Value string
}

// maxChunkRunes bounds prose chunks; longer paragraphs are split.
const maxChunkRunes = 1200

// ParseHTML walks the document and emits ordered surfaces. Script and
// style subtrees are skipped except for JSON-LD product blocks, which
// become embedded_json surfaces.
func ParseHTML(body []byte) ([]RawChunk, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	p := &htmlWalker{}
	p.walk(doc)
	return p.chunks, nil
}

// ParseText chunks a plain-text document (PDF text layer, alt-text
// proxy output) by blank-line paragraphs.
func ParseText(body []byte) []RawChunk {
	var chunks []RawChunk
	offset := 0
	for _, para := range strings.Split(string(body), "\n\n") {
		if strings.TrimSpace(para) == "" {
			offset += len([]rune(para)) + 2
			continue
		}
		// spec-sheet style "Key: Value" lines become kv surfaces,
		// line by line before whitespace normalization fuses them
		for _, line := range strings.Split(para, "\n") {
			line = normalizeSpace(line)
			if line == "" {
				offset++
				continue
			}
			start := offset
			end := offset + len([]rune(line))
			if k, v, ok := splitKV(line); ok {
				chunks = append(chunks, RawChunk{Surface: SurfaceKV, Text: line, Start: start, End: end, Key: k, Value: v})
			} else {
				chunks = append(chunks, RawChunk{Surface: SurfaceText, Text: line, Start: start, End: end})
			}
			offset = end + 1
		}
		offset++
	}
	return chunks
}

type htmlWalker struct {
	chunks []RawChunk
	offset int
}

func (p *htmlWalker) emit(surface, text string) {
	text = normalizeSpace(text)
	if text == "" {
		return
	}
	runes := []rune(text)
	for len(runes) > 0 {
		n := len(runes)
		if n > maxChunkRunes {
			n = splitPoint(runes, maxChunkRunes)
		}
		piece := strings.TrimSpace(string(runes[:n]))
		if piece != "" {
			p.chunks = append(p.chunks, RawChunk{
				Surface: surface,
				Text:    piece,
				Start:   p.offset,
				End:     p.offset + n,
			})
		}
		p.offset += n
		runes = runes[n:]
	}
	p.offset++ // surface separator
}

func (p *htmlWalker) emitKV(surface, key, value string) {
	key = normalizeSpace(key)
	value = normalizeSpace(value)
	if key == "" && value == "" {
		return
	}
	text := strings.TrimSpace(key + ": " + value)
	n := len([]rune(text))
	p.chunks = append(p.chunks, RawChunk{
		Surface: surface,
		Text:    text,
		Start:   p.offset,
		End:     p.offset + n,
		Key:     key,
		Value:   value,
	})
	p.offset += n + 1
}

func (p *htmlWalker) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script":
			if isJSONLD(n) {
				if text := textContent(n); looksLikeProductJSON(text) {
					p.emit(SurfaceJSON, text)
				}
			}
			return
		case "style", "noscript", "nav", "footer", "iframe", "svg":
			return
		case "title":
			p.emit(SurfaceTitle, textContent(n))
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			p.emit(SurfaceHeading, textContent(n))
			return
		case "p":
			p.emit(SurfaceParagraph, textContent(n))
			return
		case "li":
			p.emit(SurfaceListItem, textContent(n))
			return
		case "caption", "figcaption":
			p.emit(SurfaceCaption, textContent(n))
			return
		case "tr":
			p.walkTableRow(n)
			return
		case "dl":
			p.walkDefinitionList(n)
			return
		case "meta":
			p.walkMeta(n)
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

// walkTableRow turns a two-cell row into a kv-bearing table_row surface;
// wider rows are kept as joined text.
func (p *htmlWalker) walkTableRow(tr *html.Node) {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			cells = append(cells, normalizeSpace(textContent(c)))
		}
	}
	switch {
	case len(cells) == 2 && cells[0] != "":
		p.emitKV(SurfaceTableRow, cells[0], cells[1])
	case len(cells) > 0:
		p.emit(SurfaceTableRow, strings.Join(cells, " | "))
	}
}

func (p *htmlWalker) walkDefinitionList(dl *html.Node) {
	var key string
	for c := dl.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.Data {
		case "dt":
			key = normalizeSpace(textContent(c))
		case "dd":
			if key != "" {
				p.emitKV(SurfaceKV, key, textContent(c))
			}
		}
	}
}

// walkMeta keeps product-relevant og:/product: metadata.
func (p *htmlWalker) walkMeta(n *html.Node) {
	var prop, content string
	for _, a := range n.Attr {
		switch a.Key {
		case "property", "name", "itemprop":
			prop = a.Val
		case "content":
			content = a.Val
		}
	}
	if prop == "" || content == "" {
		return
	}
	lower := strings.ToLower(prop)
	if strings.HasPrefix(lower, "og:") || strings.HasPrefix(lower, "product:") ||
		lower == "description" || strings.HasPrefix(lower, "twitter:") {
		p.emitKV(SurfaceMeta, prop, content)
	}
}

func isJSONLD(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "type" && strings.EqualFold(a.Val, "application/ld+json") {
			return true
		}
	}
	return false
}

// looksLikeProductJSON keeps JSON-LD blocks whose @type mentions Product.
func looksLikeProductJSON(text string) bool {
	var probe map[string]interface{}
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return false
	}
	t, _ := probe["@type"].(string)
	return strings.Contains(strings.ToLower(t), "product")
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return sb.String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// splitKV splits "Key: Value" spec-sheet lines. Keys are short phrases;
// URLs and sentences with late colons are left intact.
func splitKV(line string) (string, string, bool) {
	i := strings.Index(line, ":")
	if i <= 0 || i > 60 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:i])
	value := strings.TrimSpace(line[i+1:])
	if key == "" || value == "" || strings.Contains(key, "http") {
		return "", "", false
	}
	return key, value, true
}

// splitPoint finds a space near limit to break on, scanning back.
func splitPoint(runes []rune, limit int) int {
	for i := limit; i > limit-200 && i > 0; i-- {
		if runes[i-1] == ' ' {
			return i
		}
	}
	return limit
}
