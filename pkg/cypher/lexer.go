package cypher

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rmax-ai/graphlord/pkg/pattern"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokParam
	tokPunct
)

type token struct {
	kind   tokenKind
	text   string // identifier, literal body or punctuation
	pos    int
	end    int
	quoted bool // `escaped` identifier, never a keyword
}

// is reports whether t is the punctuation p.
func (t token) is(p string) bool {
	return t.kind == tokPunct && t.text == p
}

// keyword reports whether t is the case-insensitive keyword kw.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && !t.quoted && strings.EqualFold(t.text, kw)
}

var punctuation = []string{
	"<>", "<=", ">=", "=~", "+=",
	"(", ")", "[", "]", "{", "}", ":", ",", ".", "-", ">", "<",
	"=", "+", "*", "/", "%", "|", ";",
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r, w := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += w
		case strings.HasPrefix(src[i:], "//"):
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, pattern.Errorf(i, "unterminated comment")
			}
			i += end + 4
		case r == '\'' || r == '"':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i, end: i + n})
			i += n
		case r == '`':
			end := strings.IndexByte(src[i+1:], '`')
			if end < 0 {
				return nil, pattern.Errorf(i, "unterminated quoted identifier")
			}
			toks = append(toks, token{kind: tokIdent, text: src[i+1 : i+1+end], pos: i, end: i + end + 2, quoted: true})
			i += end + 2
		case r == '$':
			j := i + 1
			for j < len(src) && isIdentByte(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, pattern.Errorf(i, "expected parameter name after $")
			}
			toks = append(toks, token{kind: tokParam, text: src[i+1 : j], pos: i, end: j})
			i = j
		case r >= '0' && r <= '9':
			j := i
			for j < len(src) && src[j] >= '0' && src[j] <= '9' {
				j++
			}
			kind := tokInt
			// a '.' followed by a digit continues a float, otherwise it is
			// property access or a range
			if j+1 < len(src) && src[j] == '.' && src[j+1] >= '0' && src[j+1] <= '9' {
				kind = tokFloat
				j++
				for j < len(src) && src[j] >= '0' && src[j] <= '9' {
					j++
				}
			}
			toks = append(toks, token{kind: kind, text: src[i:j], pos: i, end: j})
			i = j
		case r == '_' || unicode.IsLetter(r):
			j := i
			for j < len(src) {
				r2, w2 := utf8.DecodeRuneInString(src[j:])
				if r2 != '_' && !unicode.IsLetter(r2) && !unicode.IsDigit(r2) {
					break
				}
				j += w2
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i, end: j})
			i = j
		default:
			p := matchPunct(src[i:])
			if p == "" {
				return nil, pattern.Errorf(i, "unexpected character %q", r)
			}
			toks = append(toks, token{kind: tokPunct, text: p, pos: i, end: i + len(p)})
			i += len(p)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src), end: len(src)})
	return toks, nil
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func matchPunct(s string) string {
	for _, p := range punctuation {
		if strings.HasPrefix(s, p) {
			return p
		}
	}
	return ""
}

// lexString reads a quoted string starting at src[start] and returns its
// unescaped body and the number of bytes consumed. Backslash escapes other
// than the recognized ones are kept verbatim so regular expressions such as
// '\\s*' survive.
func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i - start + 1, nil
		case c == '\\' && i+1 < len(src):
			switch n := src[i+1]; n {
			case '\\':
				b.WriteByte('\\')
			case '\'', '"':
				b.WriteByte(n)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte('\\')
				b.WriteByte(n)
			}
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, pattern.Errorf(start, "unterminated string literal")
}
