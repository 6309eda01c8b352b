package fhirpath

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokIdent tokKind = iota // identifier or keyword
	tokNumber
	tokString   // 'single-quoted'
	tokDateTime // @2024-01-01 ...
	tokDot
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokComma
	tokEq
	tokNe
	tokLt
	tokGt
	tokLe
	tokGe
	tokPipe
	tokEOF
)

type tok struct {
	kind tokKind
	text string
	pos  int
}

// scan splits an expression into tokens. It reports the byte offset of any
// character it cannot classify.
func scan(src string) ([]tok, error) {
	var out []tok
	i, n := 0, len(src)

	emit := func(k tokKind, text string, pos int) {
		out = append(out, tok{kind: k, text: text, pos: pos})
	}

	for i < n {
		c := src[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}
		start := i

		switch {
		case c == '.':
			emit(tokDot, ".", start)
			i++
		case c == '(':
			emit(tokLParen, "(", start)
			i++
		case c == ')':
			emit(tokRParen, ")", start)
			i++
		case c == '[':
			emit(tokLBrack, "[", start)
			i++
		case c == ']':
			emit(tokRBrack, "]", start)
			i++
		case c == ',':
			emit(tokComma, ",", start)
			i++
		case c == '|':
			emit(tokPipe, "|", start)
			i++
		case c == '=':
			emit(tokEq, "=", start)
			i++
		case c == '!':
			if i+1 < n && src[i+1] == '=' {
				emit(tokNe, "!=", start)
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '!' at offset %d", start)
			}
		case c == '<':
			if i+1 < n && src[i+1] == '=' {
				emit(tokLe, "<=", start)
				i += 2
			} else {
				emit(tokLt, "<", start)
				i++
			}
		case c == '>':
			if i+1 < n && src[i+1] == '=' {
				emit(tokGe, ">=", start)
				i += 2
			} else {
				emit(tokGt, ">", start)
				i++
			}
		case c == '\'':
			text, next, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			emit(tokString, text, start)
			i = next
		case c == '@':
			i++ // skip @
			j := i
			for j < n && isDateTimeChar(src[j]) {
				j++
			}
			emit(tokDateTime, src[i:j], start)
			i = j
		case c == '-' || isDigit(c):
			j := i
			if c == '-' {
				j++
			}
			for j < n && isDigit(src[j]) {
				j++
			}
			// a '.' followed by a digit continues the number as a decimal;
			// otherwise it starts dot navigation
			if j+1 < n && src[j] == '.' && isDigit(src[j+1]) {
				j++
				for j < n && isDigit(src[j]) {
					j++
				}
			}
			emit(tokNumber, src[i:j], start)
			i = j
		case c == '_' || unicode.IsLetter(rune(c)):
			j := i
			for j < n && (src[j] == '_' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			emit(tokIdent, src[i:j], start)
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", string(c), start)
		}
	}

	out = append(out, tok{kind: tokEOF, pos: n})
	return out, nil
}

func scanString(src string, at int) (string, int, error) {
	var sb strings.Builder
	i, n := at+1, len(src) // skip opening quote
	for i < n && src[i] != '\'' {
		if src[i] == '\\' && i+1 < n {
			i++
			switch src[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(src[i])
			}
		} else {
			sb.WriteByte(src[i])
		}
		i++
	}
	if i >= n {
		return "", 0, fmt.Errorf("unterminated string at offset %d", at)
	}
	return sb.String(), i + 1, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isDateTimeChar(c byte) bool {
	return isDigit(c) || c == '-' || c == ':' || c == 'T' || c == '+' || c == 'Z' || c == '.'
}
