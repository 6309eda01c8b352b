package search

import (
	"fmt"
	"strings"
	"time"
)

// Prefix is a comparator prefix on an ordered search value.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// Modifier qualifies how a parameter value is matched.
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierText     Modifier = "text"
	ModifierNot      Modifier = "not"
	ModifierAbove    Modifier = "above"
	ModifierBelow    Modifier = "below"
	ModifierMissing  Modifier = "missing"
)

// ParsedValue is a search value with its comparator prefix stripped.
type ParsedValue struct {
	Prefix Prefix
	Value  string
}

// ParseValue extracts the comparator prefix from a search value.
// "gt2023-01-01" parses to (gt, "2023-01-01"); "100" to (eq, "100").
func ParseValue(raw string) ParsedValue {
	if len(raw) > 2 {
		p := Prefix(strings.ToLower(raw[:2]))
		switch p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedValue{Prefix: p, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// SplitModifier splits a query key from its modifier.
// "name:exact" splits to ("name", exact); "code" to ("code", "").
func SplitModifier(key string) (string, Modifier) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], Modifier(key[i+1:])
	}
	return key, ModifierNone
}

// dateRange is the half-open interval a date search value denotes. A
// partial date widens to its full precision span.
type dateRange struct {
	lo, hi time.Time
}

// parseDateRange widens a date value to [lo, hi) per its precision.
func parseDateRange(s string) (dateRange, error) {
	switch len(s) {
	case 4: // YYYY
		t, err := time.Parse("2006", s)
		if err != nil {
			return dateRange{}, err
		}
		return dateRange{lo: t, hi: t.AddDate(1, 0, 0)}, nil
	case 7: // YYYY-MM
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return dateRange{}, err
		}
		return dateRange{lo: t, hi: t.AddDate(0, 1, 0)}, nil
	case 10: // YYYY-MM-DD
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return dateRange{}, err
		}
		return dateRange{lo: t, hi: t.AddDate(0, 0, 1)}, nil
	}
	t, err := parseFlexDate(s)
	if err != nil {
		return dateRange{}, err
	}
	return dateRange{lo: t, hi: t.Add(time.Second)}, nil
}

// parseFlexDate parses an instant in the formats search values and stored
// fields use.
func parseFlexDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}
