package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Entry is one parsed BibTeX entry. Field names are lowercased and values
// have their outer delimiters removed.
type Entry struct {
	Type   string
	Key    string
	Fields map[string]string
}

// ParseBibtex parses the first entry of a BibTeX string.
func ParseBibtex(src string) (Entry, error) {
	p := &bibParser{src: src}
	return p.entry()
}

type bibParser struct {
	src string
	pos int
}

func (p *bibParser) entry() (Entry, error) {
	at := strings.IndexByte(p.src, '@')
	if at < 0 {
		return Entry{}, fmt.Errorf("bibtex: no entry")
	}
	p.pos = at + 1

	typ := p.ident()
	if typ == "" {
		return Entry{}, fmt.Errorf("bibtex: missing entry type at offset %d", p.pos)
	}
	p.space()

	var closer byte
	switch p.peek() {
	case '{':
		closer = '}'
	case '(':
		closer = ')'
	default:
		return Entry{}, fmt.Errorf("bibtex: expected '{' after @%s", typ)
	}
	p.pos++

	e := Entry{Type: strings.ToLower(typ), Fields: make(map[string]string)}
	p.space()
	e.Key = strings.TrimSpace(p.until(',', closer))
	if p.peek() == ',' {
		p.pos++
	}

	for {
		p.space()
		if p.eof() {
			return e, fmt.Errorf("bibtex: unterminated entry %q", e.Key)
		}
		if p.peek() == closer {
			return e, nil
		}
		name := strings.ToLower(p.ident())
		if name == "" {
			return e, fmt.Errorf("bibtex: expected field name at offset %d", p.pos)
		}
		p.space()
		if p.peek() != '=' {
			return e, fmt.Errorf("bibtex: expected '=' after %s", name)
		}
		p.pos++
		value, err := p.value(closer)
		if err != nil {
			return e, fmt.Errorf("bibtex: field %s: %w", name, err)
		}
		e.Fields[name] = value
		p.space()
		if p.peek() == ',' {
			p.pos++
		}
	}
}

// value reads one field value, joining '#'-concatenated parts.
func (p *bibParser) value(closer byte) (string, error) {
	var parts []string
	for {
		p.space()
		var part string
		switch p.peek() {
		case '{':
			s, err := p.braced()
			if err != nil {
				return "", err
			}
			part = s
		case '"':
			s, err := p.quoted()
			if err != nil {
				return "", err
			}
			part = s
		default:
			part = strings.TrimSpace(p.until(',', closer, '#'))
		}
		parts = append(parts, part)
		p.space()
		if p.peek() != '#' {
			break
		}
		p.pos++
	}
	return collapse(strings.Join(parts, "")), nil
}

// braced reads a {...} value, honoring nested braces.
func (p *bibParser) braced() (string, error) {
	depth := 0
	for i := p.pos; i < len(p.src); i++ {
		switch p.src[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				s := p.src[p.pos+1 : i]
				p.pos = i + 1
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("unterminated value")
}

// quoted reads a "..." value. Quotes inside braces do not terminate it.
func (p *bibParser) quoted() (string, error) {
	depth := 0
	for i := p.pos + 1; i < len(p.src); i++ {
		switch p.src[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case '"':
			if depth == 0 {
				s := p.src[p.pos+1 : i]
				p.pos = i + 1
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("unterminated value")
}

func (p *bibParser) ident() string {
	start := p.pos
	for !p.eof() {
		c := rune(p.src[p.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && !strings.ContainsRune("_-:.+/", c) {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *bibParser) until(stops ...byte) string {
	start := p.pos
	for !p.eof() && !strings.ContainsRune(string(stops), rune(p.peek())) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *bibParser) space() {
	for !p.eof() && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *bibParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *bibParser) eof() bool { return p.pos >= len(p.src) }

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// monthLayouts are tried in order; the first successful parse wins.
var monthLayouts = []string{"1", "Jan", "January"}

// GetMonth parses a BibTeX month as a number, an abbreviated name or a full
// name. It returns nil when none of the forms match.
func GetMonth(value string) *int64 {
	value = strings.Trim(strings.TrimSpace(value), "{}.")
	if value == "" {
		return nil
	}
	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			m := int64(t.Month())
			return &m
		}
	}
	return nil
}

// forumFields are joined in this order to build a publication's forum.
var forumFields = []string{"journal", "booktitle", "series", "publisher", "school", "institution", "address"}

// GetForum joins the venue-like fields of an entry with commas, skipping
// absent or empty ones.
func GetForum(fields map[string]string) string {
	var parts []string
	for _, name := range forumFields {
		if v := strings.TrimSpace(fields[name]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ",")
}

var urlPattern = regexp.MustCompile(`\\url\{([^}]*)\}`)

// GetLink extracts a \url{...} target from the note field, falling back to
// howpublished.
func GetLink(fields map[string]string) string {
	for _, name := range []string{"note", "howpublished"} {
		if m := urlPattern.FindStringSubmatch(fields[name]); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// stripBraces removes BibTeX grouping braces from a display value.
func stripBraces(s string) string {
	return collapse(strings.NewReplacer("{", "", "}", "").Replace(s))
}
