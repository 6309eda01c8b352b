package search

import (
	"strconv"
	"strings"

	"github.com/fhir-candle/candle/internal/fhirpath"
)

// Matches evaluates one filter parameter against resource content using
// the registered definition's compiled selector. A code unknown for the
// type never matches. Subscription filters go through here so they share
// the same compiled programs as search.
func (r *Registry) Matches(resourceType, code string, modifier Modifier, values []string, content map[string]interface{}) bool {
	def, expr, ok := r.Resolve(resourceType, code)
	if !ok {
		return false
	}
	return matchClause(def, expr, content, modifier, values)
}

// matchClause evaluates one filter clause against one resource. Values
// within a clause are OR'ed.
func matchClause(def Definition, expr *fhirpath.Expr, content map[string]interface{}, modifier Modifier, values []string) bool {
	if expr == nil {
		return false
	}
	items := expr.Evaluate(content)

	if modifier == ModifierMissing {
		want := len(values) > 0 && values[0] == "true"
		return (len(items) == 0) == want
	}

	for _, v := range values {
		if matchOne(def, items, modifier, v) {
			return true
		}
	}
	return false
}

func matchOne(def Definition, items []interface{}, modifier Modifier, value string) bool {
	switch def.Type {
	case "token":
		return matchToken(items, modifier, value)
	case "string":
		return matchString(items, modifier, value)
	case "date":
		return matchDate(items, value)
	case "number":
		return matchNumber(items, value)
	case "quantity":
		return matchQuantity(items, value)
	case "reference":
		return matchReference(items, value, def.Target)
	case "uri":
		return matchURI(items, modifier, value)
	}
	// composite and special parameters have no direct value matcher
	return false
}

// --- token ---

type tokenCandidate struct {
	system string
	code   string
	text   string
}

func tokenCandidates(items []interface{}) []tokenCandidate {
	var out []tokenCandidate
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, tokenCandidate{code: v})
		case bool:
			out = append(out, tokenCandidate{code: strconv.FormatBool(v)})
		case float64:
			out = append(out, tokenCandidate{code: strconv.FormatFloat(v, 'f', -1, 64)})
		case map[string]interface{}:
			out = append(out, codeableCandidates(v)...)
		}
	}
	return out
}

// codeableCandidates flattens CodeableConcept, Coding and Identifier
// shapes into comparable (system, code) pairs.
func codeableCandidates(m map[string]interface{}) []tokenCandidate {
	if codings, ok := m["coding"].([]interface{}); ok {
		text := str(m["text"])
		var out []tokenCandidate
		for _, c := range codings {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			out = append(out, tokenCandidate{
				system: str(cm["system"]),
				code:   str(cm["code"]),
				text:   firstNonEmpty(str(cm["display"]), text),
			})
		}
		if len(out) == 0 && text != "" {
			out = append(out, tokenCandidate{text: text})
		}
		return out
	}
	if code, ok := m["code"].(string); ok {
		return []tokenCandidate{{system: str(m["system"]), code: code, text: str(m["display"])}}
	}
	if value, ok := m["value"].(string); ok { // Identifier
		return []tokenCandidate{{system: str(m["system"]), code: value}}
	}
	return nil
}

func matchToken(items []interface{}, modifier Modifier, value string) bool {
	cands := tokenCandidates(items)

	if modifier == ModifierText {
		needle := strings.ToLower(value)
		for _, c := range cands {
			if c.text != "" && strings.Contains(strings.ToLower(c.text), needle) {
				return true
			}
		}
		return false
	}

	system, code, hasPipe := splitToken(value)
	matched := false
	for _, c := range cands {
		if tokenEquals(c, system, code, hasPipe) {
			matched = true
			break
		}
	}
	if modifier == ModifierNot {
		return !matched
	}
	return matched
}

func splitToken(value string) (system, code string, hasPipe bool) {
	if i := strings.IndexByte(value, '|'); i >= 0 {
		return value[:i], value[i+1:], true
	}
	return "", value, false
}

func tokenEquals(c tokenCandidate, system, code string, hasPipe bool) bool {
	if !hasPipe {
		return c.code == code
	}
	switch {
	case system != "" && code != "":
		return c.system == system && c.code == code
	case system != "":
		return c.system == system
	case code != "":
		// "|code" requires the candidate to carry no system
		return c.system == "" && c.code == code
	}
	return false
}

// --- string ---

func stringCandidates(items []interface{}) []string {
	var out []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			// HumanName and Address shapes
			for _, field := range []string{"text", "family", "city", "state", "postalCode", "country", "district"} {
				if s, ok := v[field].(string); ok {
					out = append(out, s)
				}
			}
			for _, field := range []string{"given", "prefix", "suffix", "line"} {
				if arr, ok := v[field].([]interface{}); ok {
					for _, e := range arr {
						if s, ok := e.(string); ok {
							out = append(out, s)
						}
					}
				}
			}
		}
	}
	return out
}

func matchString(items []interface{}, modifier Modifier, value string) bool {
	for _, s := range stringCandidates(items) {
		switch modifier {
		case ModifierExact:
			if s == value {
				return true
			}
		case ModifierContains, ModifierText:
			if strings.Contains(strings.ToLower(s), strings.ToLower(value)) {
				return true
			}
		default:
			if strings.HasPrefix(strings.ToLower(s), strings.ToLower(value)) {
				return true
			}
		}
	}
	return false
}

// --- date ---

func matchDate(items []interface{}, value string) bool {
	parsed := ParseValue(value)
	r, err := parseDateRange(parsed.Value)
	if err != nil {
		return false
	}
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		t, err := parseFlexDate(s)
		if err != nil {
			continue
		}
		switch parsed.Prefix {
		case PrefixGt, PrefixSa:
			if !t.Before(r.hi) {
				return true
			}
		case PrefixLt, PrefixEb:
			if t.Before(r.lo) {
				return true
			}
		case PrefixGe:
			if !t.Before(r.lo) {
				return true
			}
		case PrefixLe:
			if t.Before(r.hi) {
				return true
			}
		case PrefixNe:
			if t.Before(r.lo) || !t.Before(r.hi) {
				return true
			}
		case PrefixAp:
			lo := r.lo.AddDate(0, 0, -1)
			hi := r.hi.AddDate(0, 0, 1)
			if !t.Before(lo) && t.Before(hi) {
				return true
			}
		default: // eq
			if !t.Before(r.lo) && t.Before(r.hi) {
				return true
			}
		}
	}
	return false
}

// --- number / quantity ---

func matchNumber(items []interface{}, value string) bool {
	parsed := ParseValue(value)
	want, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return false
	}
	for _, item := range items {
		got, ok := numericValue(item)
		if !ok {
			continue
		}
		if numberSatisfies(got, want, parsed.Prefix) {
			return true
		}
	}
	return false
}

func matchQuantity(items []interface{}, value string) bool {
	// value[|system|code], unit restriction matched when supplied
	parts := strings.SplitN(value, "|", 3)
	parsed := ParseValue(parts[0])
	want, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return false
	}
	wantUnit := ""
	if len(parts) == 3 {
		wantUnit = parts[2]
	}
	for _, item := range items {
		var got float64
		var unit string
		switch v := item.(type) {
		case float64:
			got = v
		case map[string]interface{}:
			f, ok := numericValue(v["value"])
			if !ok {
				continue
			}
			got = f
			unit = firstNonEmpty(str(v["code"]), str(v["unit"]))
		default:
			continue
		}
		if wantUnit != "" && unit != wantUnit {
			continue
		}
		if numberSatisfies(got, want, parsed.Prefix) {
			return true
		}
	}
	return false
}

func numberSatisfies(got, want float64, p Prefix) bool {
	switch p {
	case PrefixGt, PrefixSa:
		return got > want
	case PrefixLt, PrefixEb:
		return got < want
	case PrefixGe:
		return got >= want
	case PrefixLe:
		return got <= want
	case PrefixNe:
		return got != want
	case PrefixAp:
		d := want * 0.1
		if d < 0 {
			d = -d
		}
		return got >= want-d && got <= want+d
	default:
		return got == want
	}
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// --- reference ---

func referenceCandidates(items []interface{}) []string {
	var out []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			if s, ok := v["reference"].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func matchReference(items []interface{}, value string, targets []string) bool {
	for _, ref := range referenceCandidates(items) {
		if referenceValueMatches(ref, value, targets) {
			return true
		}
	}
	return false
}

// --- uri ---

func matchURI(items []interface{}, modifier Modifier, value string) bool {
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		switch modifier {
		case ModifierBelow:
			if strings.HasPrefix(s, value) {
				return true
			}
		case ModifierAbove:
			if strings.HasPrefix(value, s) {
				return true
			}
		default:
			if s == value {
				return true
			}
		}
	}
	return false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
