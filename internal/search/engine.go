package search

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/fhir-candle/candle/internal/store"
)

// Engine executes parsed queries against one tenant's store.
type Engine struct {
	reg          *Registry
	st           *store.Store
	compartments map[string]CompartmentDefinition
}

func NewEngine(reg *Registry, st *store.Store) *Engine {
	return &Engine{
		reg: reg,
		st:  st,
		compartments: map[string]CompartmentDefinition{
			PatientCompartment.Type: PatientCompartment,
		},
	}
}

// Registry exposes the engine's parameter registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Entry is one row of a search result.
type Entry struct {
	Resource *store.Resource
	Mode     string // "match" or "include"
}

// Result holds an executed search: the requested page plus its inclusion
// expansion, the total match count, and the applied query string.
type Result struct {
	Entries []Entry
	Total   int
	Applied string
}

// Execute runs a parsed query: filter, compartment scoping, sort, paging,
// then inclusion expansion over the returned page. The context bounds
// long scans; a cancelled search returns ctx.Err.
func (e *Engine) Execute(ctx context.Context, q *Query) (*Result, error) {
	candidates := e.st.Snapshot(q.Type)

	matched := make([]*store.Resource, 0, len(candidates))
	for i, res := range candidates {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if q.Compartment != nil && !e.InCompartment(q.Compartment.Name, q.Compartment.Subject, res) {
			continue
		}
		if e.matches(q, res) {
			matched = append(matched, res)
		}
	}

	e.sortMatches(matched, q.Sort)

	if q.MaxResults > 0 && len(matched) > q.MaxResults {
		matched = matched[:q.MaxResults]
	}
	total := len(matched)

	page := paginate(matched, q.Offset, q.Count, q.countSet)

	entries := make([]Entry, 0, len(page))
	for _, res := range page {
		entries = append(entries, Entry{Resource: res, Mode: "match"})
	}
	entries = append(entries, e.expand(ctx, q, page)...)

	return &Result{Entries: entries, Total: total, Applied: q.Applied()}, nil
}

// matches applies every clause; clauses AND together, values within one
// clause OR together.
func (e *Engine) matches(q *Query, res *store.Resource) bool {
	for _, c := range q.Clauses {
		if !matchClause(c.def, c.expr, res.Content, c.Modifier, c.Values) {
			return false
		}
	}
	return true
}

// sortMatches applies a stable multi-key sort, first key primary.
// Resources missing a sort value order after those that have one.
func (e *Engine) sortMatches(matched []*store.Resource, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	vals := make(map[*store.Resource][]sortValue, len(matched))
	for _, res := range matched {
		kv := make([]sortValue, len(keys))
		for i, k := range keys {
			kv[i] = extractSortValue(k, res.Content)
		}
		vals[res] = kv
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := vals[matched[i]], vals[matched[j]]
		for k := range keys {
			c := compareSortValues(a[k], b[k])
			if c == 0 {
				continue
			}
			if keys[k].Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

type sortValue struct {
	present bool
	num     float64
	isNum   bool
	str     string
}

func extractSortValue(k SortKey, content map[string]interface{}) sortValue {
	items := k.expr.Evaluate(content)
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if k.paramType == "number" || k.paramType == "quantity" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					return sortValue{present: true, num: f, isNum: true}
				}
			}
			return sortValue{present: true, str: v}
		case float64:
			return sortValue{present: true, num: v, isNum: true}
		case bool:
			return sortValue{present: true, str: strconv.FormatBool(v)}
		case map[string]interface{}:
			// sortable scalar inside common complex shapes
			for _, field := range []string{"value", "start", "family", "text", "code"} {
				switch f := v[field].(type) {
				case string:
					return sortValue{present: true, str: f}
				case float64:
					return sortValue{present: true, num: f, isNum: true}
				}
			}
		}
	}
	return sortValue{}
}

// compareSortValues orders missing values last regardless of direction.
func compareSortValues(a, b sortValue) int {
	if a.present != b.present {
		if a.present {
			return -1
		}
		return 1
	}
	if !a.present {
		return 0
	}
	if a.isNum && b.isNum {
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	}
	return strings.Compare(a.str, b.str)
}

func paginate(matched []*store.Resource, offset, count int, countSet bool) []*store.Resource {
	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if countSet || count > 0 {
		if count < len(matched) {
			matched = matched[:count]
		}
	}
	return matched
}

// expand applies _include and _revinclude to the current page, then one
// extra pass of _include:iterate over what the first pass brought in.
// Iteration is bounded to that single pass.
func (e *Engine) expand(ctx context.Context, q *Query, page []*store.Resource) []Entry {
	if len(page) == 0 || (len(q.Includes) == 0 && len(q.RevIncludes) == 0) {
		return nil
	}

	seen := make(map[string]bool, len(page))
	for _, res := range page {
		seen[res.Ref()] = true
	}

	var included []*store.Resource
	appendIncluded := func(res *store.Resource) {
		if !seen[res.Ref()] {
			seen[res.Ref()] = true
			included = append(included, res)
		}
	}

	// forward includes over the primary page
	for _, spec := range q.Includes {
		if spec.Iterate || spec.SourceType != q.Type {
			continue
		}
		for _, res := range e.followReferences(spec, page) {
			appendIncluded(res)
		}
	}

	// reverse includes: scan the named source type for references back
	for _, spec := range q.RevIncludes {
		for _, res := range e.reverseReferences(ctx, spec, page) {
			appendIncluded(res)
		}
	}

	// second pass: iterate includes apply to the already-included set
	firstPass := included
	for _, spec := range q.Includes {
		if !spec.Iterate {
			continue
		}
		var sources []*store.Resource
		for _, res := range firstPass {
			if res.Type == spec.SourceType {
				sources = append(sources, res)
			}
		}
		if spec.SourceType == q.Type {
			sources = append(sources, page...)
		}
		for _, res := range e.followReferences(spec, sources) {
			appendIncluded(res)
		}
	}

	entries := make([]Entry, 0, len(included))
	for _, res := range included {
		entries = append(entries, Entry{Resource: res, Mode: "include"})
	}
	return entries
}

// followReferences reads the resources a spec's selector points at from
// the sources, honoring the allowed target types. Broken references are
// skipped.
func (e *Engine) followReferences(spec IncludeSpec, sources []*store.Resource) []*store.Resource {
	var out []*store.Resource
	for _, src := range sources {
		for _, ref := range referenceCandidates(spec.expr.Evaluate(src.Content)) {
			rt, id, ok := splitRef(ref)
			if !ok || !typeAllowed(rt, spec.Targets) {
				continue
			}
			res, err := e.st.Read(rt, id)
			if err != nil {
				continue
			}
			out = append(out, res)
		}
	}
	return out
}

// reverseReferences finds resources of the include's source type whose
// selector references any of the given targets.
func (e *Engine) reverseReferences(ctx context.Context, spec IncludeSpec, targets []*store.Resource) []*store.Resource {
	// bare-id references carry no type; honor them only when the
	// selector can point at exactly the targets' type
	bareIDs := len(targets) > 0 && len(spec.Targets) == 1 && spec.Targets[0] == targets[0].Type
	want := make(map[string]bool, len(targets))
	for _, res := range targets {
		want[res.Ref()] = true
		if bareIDs {
			want[res.ID] = true
		}
	}
	var out []*store.Resource
	for i, cand := range e.st.Snapshot(spec.SourceType) {
		if i%256 == 0 && ctx.Err() != nil {
			return out
		}
		for _, ref := range referenceCandidates(spec.expr.Evaluate(cand.Content)) {
			if want[ref] {
				out = append(out, cand)
				break
			}
		}
	}
	return out
}

func splitRef(ref string) (resourceType, id string, ok bool) {
	i := strings.LastIndex(ref, "/")
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	rt := ref[:i]
	// full URLs keep only the trailing Type/id pair
	if j := strings.LastIndex(rt, "/"); j >= 0 {
		rt = rt[j+1:]
	}
	return rt, ref[i+1:], rt != ""
}
