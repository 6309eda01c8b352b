package search

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/fhir-candle/candle/internal/fhirpath"
)

// Defaults carries the tenant page-size settings applied when a query
// does not set its own.
type Defaults struct {
	PageSize    int
	MaxPageSize int
}

// Clause is one filter: a parameter code with its modifier and OR'ed
// value set.
type Clause struct {
	Code     string
	Modifier Modifier
	Values   []string

	def  Definition
	expr *fhirpath.Expr
}

// IncludeSpec is one _include or _revinclude directive resolved against
// the registry. For includes SourceType names the type whose references
// are followed; for revincludes it names the type being scanned for
// references back at the matches.
type IncludeSpec struct {
	SourceType string
	Code       string
	Targets    []string // allowed target types, restricted when an explicit target was given
	Iterate    bool

	expr *fhirpath.Expr
	raw  string // literal token kept for the applied query string
}

// SortKey is one resolved _sort directive.
type SortKey struct {
	Code       string
	Descending bool

	paramType string
	expr      *fhirpath.Expr
}

func (k SortKey) token() string {
	if k.Descending {
		return "-" + k.Code
	}
	return k.Code
}

// CompartmentScope restricts a query to resources belonging to one
// compartment subject.
type CompartmentScope struct {
	Name    string // compartment type, e.g. Patient
	Subject string // logical id of the compartment owner
}

// Query is the transient, parsed form of one search request.
type Query struct {
	Type        string
	Clauses     []Clause
	Includes    []IncludeSpec
	RevIncludes []IncludeSpec
	Sort        []SortKey
	Count       int
	MaxResults  int
	Offset      int
	Compartment *CompartmentScope

	countSet bool
}

// resultParams are recognized but carry no filter semantics. Accepted
// and dropped so varied clients do not fail.
var resultParams = map[string]bool{
	"_contained": true, "_summary": true, "_total": true,
	"_score": true, "_graph": true, "_elements": true,
	"_format": true, "_pretty": true,
}

// ParseQuery resolves a raw query against the registry. Unknown or
// malformed fragments are dropped, never errors: a search always parses.
func (r *Registry) ParseQuery(resourceType string, raw url.Values, d Defaults) *Query {
	q := &Query{
		Type:       resourceType,
		Count:      d.PageSize,
		MaxResults: 0,
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type clauseKey struct {
		code     string
		modifier Modifier
	}
	clauseIdx := make(map[clauseKey]int)

	for _, key := range keys {
		values := raw[key]
		switch {
		case key == "_include" || key == "_include:iterate":
			for _, v := range values {
				if spec, ok := r.resolveInclude(v, key == "_include:iterate"); ok {
					q.Includes = append(q.Includes, spec)
				}
			}
		case key == "_revinclude":
			for _, v := range values {
				if spec, ok := r.resolveInclude(v, false); ok {
					q.RevIncludes = append(q.RevIncludes, spec)
				}
			}
		case key == "_sort":
			for _, v := range values {
				q.Sort = append(q.Sort, r.resolveSort(resourceType, v)...)
			}
		case key == "_count":
			if n, err := strconv.Atoi(first(values)); err == nil && n >= 0 {
				if d.MaxPageSize > 0 && n > d.MaxPageSize {
					n = d.MaxPageSize
				}
				q.Count = n
				q.countSet = true
			}
		case key == "_maxresults":
			if n, err := strconv.Atoi(first(values)); err == nil && n > 0 {
				q.MaxResults = n
			}
		case key == "_offset":
			if n, err := strconv.Atoi(first(values)); err == nil && n > 0 {
				q.Offset = n
			}
		case resultParams[key]:
			// accepted, unused
		default:
			code, modifier := SplitModifier(key)
			def, expr, ok := r.Resolve(resourceType, code)
			if !ok || (expr == nil && modifier != ModifierMissing) {
				continue // unknown parameters are dropped
			}
			ck := clauseKey{code, modifier}
			idx, ok := clauseIdx[ck]
			if !ok {
				q.Clauses = append(q.Clauses, Clause{
					Code: code, Modifier: modifier, def: def, expr: expr,
				})
				idx = len(q.Clauses) - 1
				clauseIdx[ck] = idx
			}
			for _, v := range values {
				for _, part := range strings.Split(v, ",") {
					if part != "" {
						q.Clauses[idx].Values = append(q.Clauses[idx].Values, part)
					}
				}
			}
		}
	}

	// a clause that ended up with no usable values is dropped entirely
	kept := q.Clauses[:0]
	for _, c := range q.Clauses {
		if len(c.Values) > 0 {
			kept = append(kept, c)
		}
	}
	q.Clauses = kept

	return q
}

// resolveInclude parses "Type:code[:targetType]". Unresolvable or
// non-reference directives are dropped.
func (r *Registry) resolveInclude(v string, iterate bool) (IncludeSpec, bool) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return IncludeSpec{}, false
	}
	def, expr, ok := r.Resolve(parts[0], parts[1])
	if !ok || expr == nil || def.Type != "reference" {
		return IncludeSpec{}, false
	}
	targets := def.Target
	if len(parts) == 3 {
		// an explicit target overrides the definition's allowed set
		targets = []string{parts[2]}
	}
	return IncludeSpec{
		SourceType: parts[0],
		Code:       parts[1],
		Targets:    targets,
		Iterate:    iterate,
		expr:       expr,
		raw:        v,
	}, true
}

// resolveSort parses a comma-separated _sort value. Composite and
// unresolvable codes are dropped.
func (r *Registry) resolveSort(resourceType, v string) []SortKey {
	var keys []SortKey
	for _, tok := range strings.Split(v, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		desc := strings.HasPrefix(tok, "-")
		code := strings.TrimPrefix(tok, "-")
		// strip a trailing modifier; sorting ignores modifiers
		code, _ = SplitModifier(code)
		def, expr, ok := r.Resolve(resourceType, code)
		if !ok || expr == nil || def.Type == "composite" {
			continue
		}
		keys = append(keys, SortKey{Code: code, Descending: desc, paramType: def.Type, expr: expr})
	}
	return keys
}

// Applied reconstructs the canonical query string from the parameters
// that were actually recognized and used. Pagination links echo this.
func (q *Query) Applied() string {
	var parts []string
	add := func(k, v string) {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}

	for _, c := range q.Clauses {
		key := c.Code
		if c.Modifier != ModifierNone {
			key += ":" + string(c.Modifier)
		}
		add(key, strings.Join(c.Values, ","))
	}
	if len(q.Sort) > 0 {
		toks := make([]string, len(q.Sort))
		for i, k := range q.Sort {
			toks[i] = k.token()
		}
		add("_sort", strings.Join(toks, ","))
	}
	for _, inc := range q.Includes {
		k := "_include"
		if inc.Iterate {
			k = "_include:iterate"
		}
		add(k, inc.raw)
	}
	for _, inc := range q.RevIncludes {
		add("_revinclude", inc.raw)
	}
	if q.countSet {
		add("_count", strconv.Itoa(q.Count))
	}
	if q.MaxResults > 0 {
		add("_maxresults", strconv.Itoa(q.MaxResults))
	}
	if q.Offset > 0 {
		add("_offset", strconv.Itoa(q.Offset))
	}
	return strings.Join(parts, "&")
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
