package fhirpath

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// machine walks a compiled program over a single resource tree. Evaluation
// never mutates the resource.
type machine struct {
	root map[string]interface{}
}

func (m *machine) eval(n *node, in []interface{}) []interface{} {
	if n == nil {
		return in
	}
	switch n.op {
	case opLiteral:
		return []interface{}{n.lit}
	case opField:
		return m.evalField(n.lit.(string), in)
	case opDot:
		return m.eval(n.args[1], m.eval(n.args[0], in))
	case opIndex:
		coll := flatten(m.eval(n.args[0], in))
		idx := int(n.lit.(int64))
		if idx < 0 || idx >= len(coll) {
			return nil
		}
		return []interface{}{coll[idx]}
	case opCall:
		return m.evalCall(n, in)
	case opCompare:
		return m.evalCompare(n, in)
	case opAnd:
		if !toBool(m.eval(n.args[0], in)) {
			return []interface{}{false}
		}
		return []interface{}{toBool(m.eval(n.args[1], in))}
	case opOr:
		if toBool(m.eval(n.args[0], in)) {
			return []interface{}{true}
		}
		return []interface{}{toBool(m.eval(n.args[1], in))}
	case opImplies:
		if !toBool(m.eval(n.args[0], in)) {
			return []interface{}{true}
		}
		return []interface{}{toBool(m.eval(n.args[1], in))}
	case opUnion:
		left := m.eval(n.args[0], in)
		right := m.eval(n.args[1], in)
		return dedupe(append(append([]interface{}{}, left...), right...))
	}
	return nil
}

// evalField resolves an identifier. A leading-uppercase name matching the
// root's resourceType selects the root; a mismatched type name selects
// nothing. Anything else navigates into each item of the input.
func (m *machine) evalField(name string, in []interface{}) []interface{} {
	if isTypeName(name) {
		if rt, _ := m.root["resourceType"].(string); rt == name {
			return []interface{}{m.root}
		}
		return nil
	}
	var out []interface{}
	for _, item := range in {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		v, ok := obj[name]
		if !ok {
			continue
		}
		if arr, isArr := v.([]interface{}); isArr {
			out = append(out, arr...)
		} else {
			out = append(out, v)
		}
	}
	return out
}

func (m *machine) evalCompare(n *node, in []interface{}) []interface{} {
	op := n.lit.(string)
	left := m.eval(n.args[0], in)
	right := m.eval(n.args[1], in)
	// an empty operand yields an empty result
	if len(left) == 0 || len(right) == 0 {
		return nil
	}
	return []interface{}{compare(left[0], right[0], op)}
}

func compare(lv, rv interface{}, op string) bool {
	if ln, lok := asNumber(lv); lok {
		if rn, rok := asNumber(rv); rok {
			return compareOrdered(ln, rn, op)
		}
	}
	if lb, ok := lv.(bool); ok {
		if rb, ok := rv.(bool); ok {
			switch op {
			case "=":
				return lb == rb
			case "!=":
				return lb != rb
			}
			return false
		}
	}
	if lt, ok := asTime(lv); ok {
		if rt, ok := asTime(rv); ok {
			return compareTimes(lt, rt, op)
		}
	}
	return compareOrdered(stringify(lv), stringify(rv), op)
}

func compareOrdered[T float64 | string](l, r T, op string) bool {
	switch op {
	case "=":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	case ">=":
		return l >= r
	}
	return false
}

func compareTimes(l, r time.Time, op string) bool {
	switch op {
	case "=":
		return l.Equal(r)
	case "!=":
		return !l.Equal(r)
	case "<":
		return l.Before(r)
	case ">":
		return l.After(r)
	case "<=":
		return !l.After(r)
	case ">=":
		return !l.Before(r)
	}
	return false
}

// asTime accepts time values and date/datetime strings. Comparing a stored
// string timestamp against a datetime literal goes through here.
func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		tm, err := parseDateTime(t)
		if err != nil {
			return time.Time{}, false
		}
		return tm, true
	}
	return time.Time{}, false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// --- function calls ---

func (m *machine) evalCall(n *node, in []interface{}) []interface{} {
	name := n.lit.(string)

	switch name {
	case "now":
		return []interface{}{time.Now().UTC()}
	case "today":
		y, mo, d := time.Now().UTC().Date()
		return []interface{}{time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)}
	case "iif":
		return m.fnIif(n.args, in)
	}

	recv := m.eval(n.args[0], in)
	args := n.args[1:]

	switch name {
	case "where":
		return m.fnWhere(recv, args)
	case "exists":
		return m.fnExists(recv, args)
	case "all":
		return m.fnAll(recv, args)
	case "count":
		return []interface{}{int64(len(recv))}
	case "first":
		if len(recv) == 0 {
			return nil
		}
		return recv[:1]
	case "last":
		if len(recv) == 0 {
			return nil
		}
		return recv[len(recv)-1:]
	case "tail":
		if len(recv) <= 1 {
			return nil
		}
		return recv[1:]
	case "empty":
		return []interface{}{len(recv) == 0}
	case "distinct":
		return dedupe(recv)
	case "select":
		return m.fnSelect(recv, args)
	case "ofType", "as":
		return filterType(recv, typeArg(args))
	case "is":
		if len(recv) == 0 {
			return []interface{}{false}
		}
		return []interface{}{isType(recv[0], typeArg(args))}
	case "hasValue":
		return []interface{}{len(recv) == 1 && recv[0] != nil}
	case "not":
		return []interface{}{!toBool(recv)}
	case "startsWith":
		return m.fnStringPred(recv, args, strings.HasPrefix)
	case "endsWith":
		return m.fnStringPred(recv, args, strings.HasSuffix)
	case "contains":
		return m.fnStringPred(recv, args, strings.Contains)
	case "matches":
		return m.fnMatches(recv, args)
	case "length":
		if len(recv) == 0 {
			return nil
		}
		return []interface{}{int64(len(stringify(recv[0])))}
	case "upper":
		return mapString(recv, strings.ToUpper)
	case "lower":
		return mapString(recv, strings.ToLower)
	case "replace":
		return m.fnReplace(recv, args, in)
	case "substring":
		return m.fnSubstring(recv, args, in)
	case "toString":
		if len(recv) == 0 {
			return nil
		}
		return []interface{}{stringify(recv[0])}
	case "abs":
		return mapNumber(recv, math.Abs)
	case "ceiling":
		return mapNumber(recv, math.Ceil)
	case "floor":
		return mapNumber(recv, math.Floor)
	case "round":
		return mapNumber(recv, math.Round)
	case "toDate", "toDateTime":
		return fnToTime(recv)
	}
	return nil
}

func (m *machine) fnWhere(coll []interface{}, args []*node) []interface{} {
	if len(args) == 0 {
		return coll
	}
	var out []interface{}
	for _, item := range coll {
		if toBool(m.eval(args[0], []interface{}{item})) {
			out = append(out, item)
		}
	}
	return out
}

func (m *machine) fnExists(coll []interface{}, args []*node) []interface{} {
	if len(args) == 0 {
		return []interface{}{len(coll) > 0}
	}
	for _, item := range coll {
		if toBool(m.eval(args[0], []interface{}{item})) {
			return []interface{}{true}
		}
	}
	return []interface{}{false}
}

func (m *machine) fnAll(coll []interface{}, args []*node) []interface{} {
	if len(args) == 0 {
		return []interface{}{true}
	}
	for _, item := range coll {
		if !toBool(m.eval(args[0], []interface{}{item})) {
			return []interface{}{false}
		}
	}
	return []interface{}{true}
}

func (m *machine) fnSelect(coll []interface{}, args []*node) []interface{} {
	if len(args) == 0 {
		return coll
	}
	var out []interface{}
	for _, item := range coll {
		out = append(out, m.eval(args[0], []interface{}{item})...)
	}
	return out
}

func (m *machine) fnIif(args []*node, in []interface{}) []interface{} {
	if len(args) < 2 {
		return nil
	}
	if toBool(m.eval(args[0], in)) {
		return m.eval(args[1], in)
	}
	if len(args) >= 3 {
		return m.eval(args[2], in)
	}
	return nil
}

func (m *machine) fnStringPred(coll []interface{}, args []*node, pred func(string, string) bool) []interface{} {
	if len(coll) == 0 || len(args) == 0 {
		return nil
	}
	arg := m.eval(args[0], coll)
	if len(arg) == 0 {
		return nil
	}
	return []interface{}{pred(stringify(coll[0]), stringify(arg[0]))}
}

func (m *machine) fnMatches(coll []interface{}, args []*node) []interface{} {
	if len(coll) == 0 || len(args) == 0 {
		return nil
	}
	arg := m.eval(args[0], coll)
	if len(arg) == 0 {
		return nil
	}
	re, err := regexp.Compile(stringify(arg[0]))
	if err != nil {
		return nil
	}
	return []interface{}{re.MatchString(stringify(coll[0]))}
}

func (m *machine) fnReplace(coll []interface{}, args []*node, in []interface{}) []interface{} {
	if len(coll) == 0 || len(args) < 2 {
		return nil
	}
	pat := m.eval(args[0], in)
	rep := m.eval(args[1], in)
	if len(pat) == 0 || len(rep) == 0 {
		return coll
	}
	return []interface{}{strings.ReplaceAll(stringify(coll[0]), stringify(pat[0]), stringify(rep[0]))}
}

func (m *machine) fnSubstring(coll []interface{}, args []*node, in []interface{}) []interface{} {
	if len(coll) == 0 || len(args) == 0 {
		return nil
	}
	startColl := m.eval(args[0], in)
	if len(startColl) == 0 {
		return nil
	}
	s := stringify(coll[0])
	startF, ok := asNumber(startColl[0])
	if !ok {
		return nil
	}
	start := int(startF)
	if start < 0 {
		start = 0
	}
	if start >= len(s) {
		return []interface{}{""}
	}
	if len(args) >= 2 {
		if lenColl := m.eval(args[1], in); len(lenColl) > 0 {
			if lenF, ok := asNumber(lenColl[0]); ok {
				end := start + int(lenF)
				if end > len(s) {
					end = len(s)
				}
				return []interface{}{s[start:end]}
			}
		}
	}
	return []interface{}{s[start:]}
}

func fnToTime(coll []interface{}) []interface{} {
	if len(coll) == 0 {
		return nil
	}
	if t, ok := asTime(coll[0]); ok {
		return []interface{}{t}
	}
	return nil
}

// --- helpers ---

func mapString(coll []interface{}, fn func(string) string) []interface{} {
	if len(coll) == 0 {
		return nil
	}
	return []interface{}{fn(stringify(coll[0]))}
}

func mapNumber(coll []interface{}, fn func(float64) float64) []interface{} {
	if len(coll) == 0 {
		return nil
	}
	f, ok := asNumber(coll[0])
	if !ok {
		return nil
	}
	r := fn(f)
	if r == math.Trunc(r) && !math.IsInf(r, 0) && !math.IsNaN(r) {
		return []interface{}{int64(r)}
	}
	return []interface{}{r}
}

func typeArg(args []*node) string {
	if len(args) == 0 {
		return ""
	}
	switch args[0].op {
	case opField:
		return args[0].lit.(string)
	case opLiteral:
		return stringify(args[0].lit)
	}
	return ""
}

func filterType(coll []interface{}, typeName string) []interface{} {
	if typeName == "" {
		return coll
	}
	var out []interface{}
	for _, item := range coll {
		if isType(item, typeName) {
			out = append(out, item)
		}
	}
	return out
}

func isType(v interface{}, typeName string) bool {
	switch strings.ToLower(typeName) {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer", "int":
		switch v.(type) {
		case int, int32, int64:
			return true
		}
		return false
	case "decimal", "float":
		_, ok := v.(float64)
		return ok
	case "boolean", "bool":
		_, ok := v.(bool)
		return ok
	case "date", "datetime":
		_, ok := v.(time.Time)
		return ok
	default:
		if m, ok := v.(map[string]interface{}); ok {
			rt, _ := m["resourceType"].(string)
			return rt == typeName
		}
		return false
	}
}

// toBool applies singleton evaluation: empty is false, a lone boolean is
// itself, anything else non-empty is true.
func toBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		}
	}
	return true
}

func flatten(coll []interface{}) []interface{} {
	var out []interface{}
	for _, item := range coll {
		if arr, ok := item.([]interface{}); ok {
			out = append(out, arr...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

func dedupe(coll []interface{}) []interface{} {
	seen := make(map[string]bool, len(coll))
	var out []interface{}
	for _, v := range coll {
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func isTypeName(name string) bool {
	return len(name) > 0 && unicode.IsUpper(rune(name[0]))
}

var dateTimeFormats = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseDateTime(s string) (time.Time, error) {
	for _, f := range dateTimeFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}
