package fhir

import (
	"fmt"
	"strings"
	"time"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
	PrefixAp SearchPrefix = "ap" // approximately
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierAbove    SearchModifier = "above"
	ModifierBelow    SearchModifier = "below"
	ModifierMissing  SearchModifier = "missing"
)

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) > 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// SplitOrValues splits a comma separated parameter value into its OR'd parts,
// honouring the "\," escape.
func SplitOrValues(raw string) []string {
	var out []string
	var cur strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '\\' && i+1 < len(raw) && raw[i+1] == ',' {
			cur.WriteByte(',')
			i++
			continue
		}
		if c == ',' {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	out = append(out, cur.String())
	return out
}

// DateRange is the half-open interval [Start, End) implied by a FHIR date,
// dateTime or instant at its stated precision.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the two ranges share any instant.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// ParseDateRange parses a FHIR date/dateTime/instant. Partial dates expand to
// the whole year, month or day they denote.
func ParseDateRange(raw string) (DateRange, error) {
	raw = strings.TrimSpace(raw)
	layouts := []struct {
		layout string
		step   func(time.Time) time.Time
	}{
		{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Millisecond) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, l := range layouts {
		t, err := time.Parse(l.layout, raw)
		if err != nil {
			continue
		}
		t = t.UTC()
		end := l.step(t)
		// Seconds-precision instants cover their whole second.
		if l.layout == time.RFC3339Nano && !strings.Contains(raw, ".") {
			end = t.Add(time.Second)
		}
		return DateRange{Start: t, End: end}, nil
	}
	return DateRange{}, fmt.Errorf("unrecognized date format: %q", raw)
}

// MatchDateRange applies a search prefix to a resource value range against
// the parameter range.
func MatchDateRange(prefix SearchPrefix, value, param DateRange) bool {
	switch prefix {
	case PrefixNe:
		return !(!value.Start.Before(param.Start) && !value.End.After(param.End))
	case PrefixGt:
		return value.End.After(param.End)
	case PrefixLt:
		return value.Start.Before(param.Start)
	case PrefixGe:
		return value.End.After(param.Start)
	case PrefixLe:
		return value.Start.Before(param.End)
	case PrefixSa:
		return !value.Start.Before(param.End)
	case PrefixEb:
		return !value.End.After(param.Start)
	case PrefixAp:
		width := param.End.Sub(param.Start) / 10
		if width < 24*time.Hour {
			width = 24 * time.Hour
		}
		widened := DateRange{Start: param.Start.Add(-width), End: param.End.Add(width)}
		return value.Overlaps(widened)
	default:
		return !value.Start.Before(param.Start) && !value.End.After(param.End)
	}
}
