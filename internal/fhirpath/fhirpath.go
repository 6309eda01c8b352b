// Package fhirpath compiles and evaluates the FHIRPath subset used for
// search parameter extraction, subscription filtering and compartment
// membership. Expressions are compiled once into an immutable program and
// evaluated against resources represented as map[string]interface{}.
package fhirpath

import (
	"fmt"
	"strings"
)

// Expr is a compiled expression. It is immutable and safe for concurrent
// evaluation.
type Expr struct {
	src  string
	prog *node
}

// Compile parses an expression into an evaluable program. All syntax errors
// and unknown function names are reported here; evaluation itself never
// fails.
func Compile(src string) (*Expr, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}
	toks, err := scan(trimmed)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %w", err)
	}
	p := &parser{toks: toks}
	prog, err := p.parseExpr(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %w", err)
	}
	if rest := p.peek(); rest.kind != tokEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at offset %d", rest.text, rest.pos)
	}
	return &Expr{src: trimmed, prog: prog}, nil
}

// MustCompile is Compile for expressions known correct at build time.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Source returns the expression text the program was compiled from.
func (e *Expr) Source() string { return e.src }

// Evaluate runs the program against a resource and returns the resulting
// collection. Unresolvable paths yield an empty collection, never an error.
func (e *Expr) Evaluate(resource map[string]interface{}) []interface{} {
	if resource == nil {
		return nil
	}
	m := &machine{root: resource}
	return m.eval(e.prog, []interface{}{resource})
}

// EvaluateBool evaluates and reduces the result with singleton rules: an
// empty collection is false, a lone boolean is itself, anything else
// non-empty is true.
func (e *Expr) EvaluateBool(resource map[string]interface{}) bool {
	return toBool(e.Evaluate(resource))
}

// EvaluateString evaluates and returns the first result rendered as a
// string, or "" for an empty collection.
func (e *Expr) EvaluateString(resource map[string]interface{}) string {
	coll := e.Evaluate(resource)
	if len(coll) == 0 {
		return ""
	}
	return stringify(coll[0])
}

// EvaluateStrings evaluates and renders every scalar result as a string,
// skipping complex values.
func (e *Expr) EvaluateStrings(resource map[string]interface{}) []string {
	coll := e.Evaluate(resource)
	out := make([]string, 0, len(coll))
	for _, v := range coll {
		switch v.(type) {
		case map[string]interface{}, []interface{}, nil:
			continue
		}
		out = append(out, stringify(v))
	}
	return out
}
