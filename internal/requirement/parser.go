package requirement

import (
	"fmt"
	"strings"
	"unicode"
)

// ParseError describes where a requirement string stopped making sense.
type ParseError struct {
	Input    string
	Pos      int      // byte offset of the offending token
	Expected []string // tokens that would have been accepted
	Found    string   // offending token, or "end of input"
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("requirement: parse %q: at position %d: expected one of [%s], found %s",
		e.Input, e.Pos, strings.Join(e.Expected, ", "), e.Found)
}

var (
	expectPrim  = []string{`"("`, `"userId="`, `"superUser"`, `"inDM"`}
	expectIdent = []string{"identifier"}
)

// Parse compiles a requirement string. A single atom parses to itself;
// any conjunction parses to one flattened And.
func Parse(input string) (Requirement, error) {
	p := &parser{in: input}
	terms, err := p.expr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.fail([]string{`"&&"`, "end of input"})
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return And{Terms: terms}, nil
}

// MustParse is Parse for literals known to be valid; it panics otherwise.
func MustParse(input string) Requirement {
	r, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return r
}

type parser struct {
	in  string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.in) }

func (p *parser) skipSpace() {
	for !p.eof() {
		r := rune(p.in[p.pos])
		if !unicode.IsSpace(r) {
			return
		}
		p.pos++
	}
}

// expr returns the flattened terms of a conjunction.
func (p *parser) expr() ([]Requirement, error) {
	first, err := p.prim()
	if err != nil {
		return nil, err
	}
	terms := flatten(nil, first)
	for {
		p.skipSpace()
		if !strings.HasPrefix(p.in[p.pos:], "&&") {
			return terms, nil
		}
		p.pos += 2
		next, err := p.prim()
		if err != nil {
			return nil, err
		}
		terms = flatten(terms, next)
	}
}

func flatten(dst []Requirement, r Requirement) []Requirement {
	if and, ok := r.(And); ok {
		return append(dst, and.Terms...)
	}
	return append(dst, r)
}

func (p *parser) prim() (Requirement, error) {
	p.skipSpace()
	if p.eof() {
		return nil, p.fail(expectPrim)
	}
	if p.in[p.pos] == '(' {
		p.pos++
		terms, err := p.expr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.eof() || p.in[p.pos] != ')' {
			return nil, p.fail([]string{`"&&"`, `")"`})
		}
		p.pos++
		if len(terms) == 1 {
			return terms[0], nil
		}
		return And{Terms: terms}, nil
	}

	start := p.pos
	word := p.word()
	switch word {
	case "superUser":
		return IsSuperUser{}, nil
	case "inDM":
		return InDirectMessage{}, nil
	case "userId":
		p.skipSpace()
		if p.eof() || p.in[p.pos] != '=' {
			return nil, p.fail([]string{`"="`})
		}
		p.pos++
		p.skipSpace()
		id := p.word()
		if id == "" {
			return nil, p.fail(expectIdent)
		}
		return HasUserID{ID: id}, nil
	}
	p.pos = start
	return nil, p.fail(expectPrim)
}

// word consumes an identifier, returning "" when none starts at pos.
func (p *parser) word() string {
	start := p.pos
	for !p.eof() {
		c := p.in[p.pos]
		isLetter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !isLetter && !(isDigit && p.pos > start) {
			break
		}
		p.pos++
	}
	return p.in[start:p.pos]
}

func (p *parser) fail(expected []string) *ParseError {
	found := "end of input"
	if !p.eof() {
		rest := p.in[p.pos:]
		if end := strings.IndexFunc(rest, unicode.IsSpace); end > 0 {
			rest = rest[:end]
		}
		found = fmt.Sprintf("%q", rest)
	}
	return &ParseError{Input: p.in, Pos: p.pos, Expected: expected, Found: found}
}
