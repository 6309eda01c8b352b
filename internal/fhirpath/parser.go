package fhirpath

import (
	"fmt"
	"strconv"
	"strings"
)

type opKind int

const (
	opLiteral opKind = iota // string, number, bool, datetime
	opField                 // identifier (field name or resource type)
	opDot                   // a.b
	opIndex                 // a[n]
	opCall                  // a.fn(args...) or fn(args...)
	opCompare               // = != < > <= >=
	opAnd
	opOr
	opImplies
	opUnion
)

type node struct {
	op   opKind
	lit  interface{} // literal value, field/function name, or comparison operator
	args []*node
}

type parser struct {
	toks []tok
	pos  int
}

func (p *parser) peek() tok {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return tok{kind: tokEOF, pos: -1}
}

func (p *parser) next() tok {
	t := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *parser) want(kind tokKind) (tok, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q at offset %d", t.text, t.pos)
	}
	return t, nil
}

// Precedence, lowest to highest: implies, or, and, union, comparison.
// Postfix (dot, index, call) binds tightest.

func (p *parser) parseExpr(minPrec int) (*node, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for {
		prec, op, cmp := infix(p.peek())
		if prec < minPrec {
			break
		}
		p.next()
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		n := &node{op: op, args: []*node{left, right}}
		if op == opCompare {
			n.lit = cmp
		}
		left = n
	}
	return left, nil
}

func infix(t tok) (int, opKind, string) {
	switch {
	case t.kind == tokIdent && t.text == "implies":
		return 1, opImplies, ""
	case t.kind == tokIdent && t.text == "or":
		return 2, opOr, ""
	case t.kind == tokIdent && t.text == "and":
		return 3, opAnd, ""
	case t.kind == tokPipe:
		return 4, opUnion, ""
	case t.kind == tokEq:
		return 5, opCompare, "="
	case t.kind == tokNe:
		return 5, opCompare, "!="
	case t.kind == tokLt:
		return 5, opCompare, "<"
	case t.kind == tokGt:
		return 5, opCompare, ">"
	case t.kind == tokLe:
		return 5, opCompare, "<="
	case t.kind == tokGe:
		return 5, opCompare, ">="
	}
	return -1, 0, ""
}

func (p *parser) parsePostfix() (*node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			ident, err := p.want(tokIdent)
			if err != nil {
				return nil, fmt.Errorf("expected identifier after '.': %w", err)
			}
			if p.peek().kind == tokLParen {
				p.next()
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				if _, err := p.want(tokRParen); err != nil {
					return nil, err
				}
				if !methodFunctions[ident.text] {
					return nil, fmt.Errorf("unknown function %q at offset %d", ident.text, ident.pos)
				}
				n = &node{op: opCall, lit: ident.text, args: append([]*node{n}, args...)}
			} else {
				n = &node{op: opDot, args: []*node{n, {op: opField, lit: ident.text}}}
			}
		case tokLBrack:
			p.next()
			idxTok, err := p.want(tokNumber)
			if err != nil {
				return nil, err
			}
			if _, err := p.want(tokRBrack); err != nil {
				return nil, err
			}
			idx, err := strconv.ParseInt(idxTok.text, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid index %q at offset %d", idxTok.text, idxTok.pos)
			}
			n = &node{op: opIndex, lit: idx, args: []*node{n}}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (*node, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.want(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tokString:
		p.next()
		return &node{op: opLiteral, lit: t.text}, nil

	case tokNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q at offset %d", t.text, t.pos)
			}
			return &node{op: opLiteral, lit: f}, nil
		}
		v, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at offset %d", t.text, t.pos)
		}
		return &node{op: opLiteral, lit: v}, nil

	case tokDateTime:
		p.next()
		tm, err := parseDateTime(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime %q at offset %d", t.text, t.pos)
		}
		return &node{op: opLiteral, lit: tm}, nil

	case tokIdent:
		p.next()
		switch t.text {
		case "true":
			return &node{op: opLiteral, lit: true}, nil
		case "false":
			return &node{op: opLiteral, lit: false}, nil
		}
		// nullary call: now(), today(), iif(...)
		if p.peek().kind == tokLParen {
			p.next()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if _, err := p.want(tokRParen); err != nil {
				return nil, err
			}
			if !standaloneFunction(t.text) {
				return nil, fmt.Errorf("unknown function %q at offset %d", t.text, t.pos)
			}
			return &node{op: opCall, lit: t.text, args: args}, nil
		}
		return &node{op: opField, lit: t.text}, nil

	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at offset %d", t.text, t.pos)
	}
}

func (p *parser) parseArgs() ([]*node, error) {
	var args []*node
	if p.peek().kind == tokRParen {
		return args, nil
	}
	for {
		a, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.peek().kind != tokComma {
			return args, nil
		}
		p.next()
	}
}

var methodFunctions = map[string]bool{
	"where": true, "exists": true, "all": true, "count": true,
	"first": true, "last": true, "tail": true, "empty": true,
	"distinct": true, "select": true, "ofType": true, "hasValue": true,
	"not": true, "startsWith": true, "endsWith": true, "contains": true,
	"matches": true, "length": true, "upper": true, "lower": true,
	"replace": true, "substring": true, "is": true, "as": true,
	"abs": true, "ceiling": true, "floor": true, "round": true,
	"toDate": true, "toDateTime": true, "toString": true,
}

func standaloneFunction(name string) bool {
	switch name {
	case "now", "today", "iif":
		return true
	}
	return false
}
