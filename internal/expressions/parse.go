package expressions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/jobflow/pkg/schema"
)

// expression is one parsed ${{ ... }} segment.
type expression struct {
	source       string
	root         string
	rootOptional bool
	steps        []pathStep
	filters      []filterCall
}

type pathStep struct {
	key      string
	index    int
	isIndex  bool
	optional bool
}

func (s pathStep) String() string {
	if s.isIndex {
		return fmt.Sprintf("[%d]", s.index)
	}
	return s.key
}

type filterCall struct {
	name string
	args []any
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokDot
	tokQuestion
	tokLBracket
	tokRBracket
	tokPipe
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	val  any // decoded literal for tokString/tokNumber
	pos  int
}

func malformed(src string, pos int, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeTemplateResolution,
		"malformed expression %q at offset %d: %s", src, pos, fmt.Sprintf(format, args...)).
		WithDetails(map[string]any{"expression": src})
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '-' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// lex splits an expression body into tokens. Digits directly after a dot are
// lexed as a key, so items.0.1 walks two indexes instead of reading 0.1.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: ".", pos: i})
			i++
		case c == '?':
			toks = append(toks, token{kind: tokQuestion, text: "?", pos: i})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == '|':
			toks = append(toks, token{kind: tokPipe, text: "|", pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '"' || c == '\'':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: src[i : i+n], val: s, pos: i})
			i += n
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			afterDot := len(toks) > 0 && toks[len(toks)-1].kind == tokDot
			start := i
			if afterDot {
				for i < len(src) && isIdentByte(src[i]) {
					i++
				}
				toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
				continue
			}
			tok, n, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i += n
		case isIdentByte(c):
			start := i
			for i < len(src) && isIdentByte(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			return nil, malformed(src, i, "unexpected character %q", c)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			switch src[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i+1])
			}
			i += 2
		case c == quote:
			return b.String(), i - start + 1, nil
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, malformed(src, start, "unterminated string")
}

func lexNumber(src string, start int) (token, int, error) {
	i := start
	if src[i] == '-' {
		i++
	}
	isFloat := false
	for i < len(src) && isDigit(src[i]) {
		i++
	}
	if i+1 < len(src) && src[i] == '.' && isDigit(src[i+1]) {
		isFloat = true
		i++
		for i < len(src) && isDigit(src[i]) {
			i++
		}
	}
	text := src[start:i]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, 0, malformed(src, start, "bad number %q", text)
		}
		return token{kind: tokNumber, text: text, val: f, pos: start}, i - start, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return token{}, 0, malformed(src, start, "bad number %q", text)
	}
	return token{kind: tokNumber, text: text, val: n, pos: start}, i - start, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(kind tokenKind) bool {
	if p.peek().kind == kind {
		p.pos++
		return true
	}
	return false
}

// parseExpression parses `root(.field|[idx]|["key"])*[?] (| filter(args))*`.
func parseExpression(src string) (*expression, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}

	rootTok := p.next()
	if rootTok.kind != tokIdent {
		return nil, malformed(src, rootTok.pos, "expected a root name")
	}
	e := &expression{source: src, root: rootTok.text}
	e.rootOptional = p.accept(tokQuestion)

steps:
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t := p.next()
			if t.kind != tokIdent {
				return nil, malformed(src, t.pos, "expected a field name after '.'")
			}
			st := pathStep{key: t.text}
			st.optional = p.accept(tokQuestion)
			e.steps = append(e.steps, st)
		case tokLBracket:
			p.next()
			t := p.next()
			var st pathStep
			switch {
			case t.kind == tokString:
				st.key = t.val.(string)
			case t.kind == tokNumber:
				n, ok := t.val.(int)
				if !ok {
					return nil, malformed(src, t.pos, "index must be an integer")
				}
				st.index, st.isIndex = n, true
			default:
				return nil, malformed(src, t.pos, "expected a quoted key or integer index")
			}
			if !p.accept(tokRBracket) {
				return nil, malformed(src, p.peek().pos, "expected ']'")
			}
			st.optional = p.accept(tokQuestion)
			e.steps = append(e.steps, st)
		default:
			break steps
		}
	}

	for p.accept(tokPipe) {
		nameTok := p.next()
		if nameTok.kind != tokIdent {
			return nil, malformed(src, nameTok.pos, "expected a filter name after '|'")
		}
		call := filterCall{name: nameTok.text}
		if p.accept(tokLParen) {
			if !p.accept(tokRParen) {
				for {
					arg, err := p.literal()
					if err != nil {
						return nil, err
					}
					call.args = append(call.args, arg)
					if p.accept(tokRParen) {
						break
					}
					if !p.accept(tokComma) {
						return nil, malformed(src, p.peek().pos, "expected ',' or ')'")
					}
				}
			}
		}
		e.filters = append(e.filters, call)
	}

	if t := p.peek(); t.kind != tokEOF {
		return nil, malformed(src, t.pos, "unexpected %q", t.text)
	}
	return e, nil
}

func (p *parser) literal() (any, error) {
	t := p.next()
	switch t.kind {
	case tokString, tokNumber:
		return t.val, nil
	case tokIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "none":
			return nil, nil
		}
	}
	return nil, malformed(p.src, t.pos, "filter arguments must be literals, got %q", t.text)
}
