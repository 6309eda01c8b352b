// Package search resolves declarative search parameter definitions into
// compiled predicate programs and evaluates parsed queries against a
// tenant's resource store.
package search

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fhir-candle/candle/internal/fhirpath"
)

// Definition describes one queryable facet of one or more resource types.
// Immutable once registered.
type Definition struct {
	ID          string
	URL         string
	Name        string
	Status      string // draft, active, retired
	Description string
	Code        string   // query key
	Base        []string // resource types this applies to
	Type        string   // number, date, string, token, reference, composite, quantity, uri, special
	Expression  string   // selector expression
	Target      []string // allowed target types for reference parameters
	Comparator  []string
	Modifier    []string
}

var validParamTypes = map[string]bool{
	"number": true, "date": true, "string": true, "token": true,
	"reference": true, "composite": true, "quantity": true,
	"uri": true, "special": true,
}

// entry pairs a definition with its compiled program. expr is nil for
// definitions without a selector (special, composite components held
// elsewhere).
type entry struct {
	def  Definition
	expr *fhirpath.Expr
}

type cacheKey struct {
	resourceType string
	code         string
	expression   string
}

// Registry holds the search parameter definitions of one tenant, keyed by
// (resource type, code). Compiled programs are cached by (type, code,
// expression) and invalidated on re-registration.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]map[string]*entry
	cache  map[cacheKey]*fhirpath.Expr
}

func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[string]map[string]*entry),
		cache:  make(map[cacheKey]*fhirpath.Expr),
	}
}

// NewDefaultRegistry returns a registry pre-populated with the core
// cross-resource and per-type definitions.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, def := range CoreDefinitions() {
		// core definitions are well-formed
		_ = r.Register(def)
	}
	return r
}

// Register validates and compiles a definition, then inserts or replaces
// the entry for each (base type, code) key. A compile failure blocks the
// whole registration and leaves existing entries untouched.
func (r *Registry) Register(def Definition) error {
	if def.Code == "" {
		return fmt.Errorf("search: definition has no code")
	}
	if len(def.Base) == 0 {
		return fmt.Errorf("search: definition %q has no base types", def.Code)
	}
	if !validParamTypes[def.Type] {
		return fmt.Errorf("search: definition %q has invalid type %q", def.Code, def.Type)
	}

	var expr *fhirpath.Expr
	if def.Expression != "" {
		var err error
		expr, err = fhirpath.Compile(def.Expression)
		if err != nil {
			return fmt.Errorf("search: definition %q: %w", def.Code, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, base := range def.Base {
		byCode, ok := r.byType[base]
		if !ok {
			byCode = make(map[string]*entry)
			r.byType[base] = byCode
		}
		// replacing an entry drops any cached program for the old expression
		if old, ok := byCode[def.Code]; ok {
			delete(r.cache, cacheKey{base, def.Code, old.def.Expression})
		}
		byCode[def.Code] = &entry{def: def, expr: expr}
		if expr != nil {
			r.cache[cacheKey{base, def.Code, def.Expression}] = expr
		}
	}
	return nil
}

// RegisterResource registers a definition expressed as a stored
// SearchParameter resource.
func (r *Registry) RegisterResource(res map[string]interface{}) error {
	if rt, _ := res["resourceType"].(string); rt != "SearchParameter" {
		return fmt.Errorf("search: expected SearchParameter, got %q", rt)
	}
	def := Definition{
		ID:          str(res["id"]),
		URL:         str(res["url"]),
		Name:        str(res["name"]),
		Status:      str(res["status"]),
		Description: str(res["description"]),
		Code:        str(res["code"]),
		Base:        strSlice(res["base"]),
		Type:        str(res["type"]),
		Expression:  str(res["expression"]),
		Target:      strSlice(res["target"]),
		Comparator:  strSlice(res["comparator"]),
		Modifier:    strSlice(res["modifier"]),
	}
	return r.Register(def)
}

// Resolve finds the definition and compiled program for (resource type,
// code), falling back to the cross-resource "Resource" base.
func (r *Registry) Resolve(resourceType, code string) (Definition, *fhirpath.Expr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, base := range []string{resourceType, "Resource", "DomainResource"} {
		if byCode, ok := r.byType[base]; ok {
			if e, ok := byCode[code]; ok {
				return e.def, e.expr, true
			}
		}
	}
	return Definition{}, nil, false
}

// Compiled returns the cached program for an exact (type, code,
// expression) key, compiling and caching on first use. Sort, filter and
// inclusion evaluation all share one program per key.
func (r *Registry) Compiled(resourceType, code, expression string) (*fhirpath.Expr, error) {
	key := cacheKey{resourceType, code, expression}
	r.mu.RLock()
	e, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}
	expr, err := fhirpath.Compile(expression)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[key] = expr
	r.mu.Unlock()
	return expr, nil
}

// Codes lists the registered parameter codes applicable to a resource
// type, cross-resource codes included.
func (r *Registry) Codes(resourceType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, base := range []string{resourceType, "Resource", "DomainResource"} {
		for code := range r.byType[base] {
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	return out
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func strSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// referenceValueMatches reports whether a stored reference string matches
// a search value, honoring an optional target-type restriction.
func referenceValueMatches(ref, value string, targets []string) bool {
	if ref == "" || value == "" {
		return false
	}
	if ref == value {
		return typeAllowed(refType(ref), targets)
	}
	// bare logical id matches any allowed target type
	if !strings.Contains(value, "/") && strings.HasSuffix(ref, "/"+value) {
		return typeAllowed(refType(ref), targets)
	}
	return false
}

func refType(ref string) string {
	if i := strings.LastIndex(ref, "/"); i > 0 {
		return ref[:i]
	}
	return ""
}

func typeAllowed(t string, targets []string) bool {
	if len(targets) == 0 || t == "" {
		return true
	}
	for _, allowed := range targets {
		if t == allowed {
			return true
		}
	}
	return false
}
