package index

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Value is one indexed entry. Which fields are set depends on the parameter
// type: Text for string and uri (and token display text), System and Code for
// tokens and quantity units, Ref for references, Range for dates, Number for
// number and quantity, Parts for composite tuples.
type Value struct {
	Text   string
	System string
	Code   string
	Ref    string
	Range  fhir.DateRange
	Number float64
	Parts  []Value
}

var (
	openStart = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	openEnd   = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

// Extract derives every value of d from a resource (or, for composite
// components, from the node the composite selected).
func Extract(d ParamDef, root map[string]interface{}) []Value {
	var out []Value
	for _, p := range d.Paths {
		for _, n := range selectPath(root, p) {
			if d.Type == ParamComposite {
				out = append(out, tuples(d.Components, n)...)
				continue
			}
			out = append(out, toValues(d, n)...)
		}
	}
	return out
}

func selectPath(root map[string]interface{}, path string) []interface{} {
	nodes := []interface{}{root}
	if path == "" {
		return nodes
	}
	for _, seg := range strings.Split(path, ".") {
		var next []interface{}
		for _, n := range nodes {
			obj, ok := n.(map[string]interface{})
			if !ok {
				continue
			}
			switch v := obj[seg].(type) {
			case nil:
			case []interface{}:
				next = append(next, v...)
			default:
				next = append(next, v)
			}
		}
		nodes = next
	}
	return nodes
}

func tuples(components []ParamDef, node interface{}) []Value {
	obj, ok := node.(map[string]interface{})
	if !ok || len(components) == 0 {
		return nil
	}
	acc := [][]Value{nil}
	for _, c := range components {
		vals := Extract(c, obj)
		if len(vals) == 0 {
			return nil
		}
		var grown [][]Value
		for _, prefix := range acc {
			for _, v := range vals {
				t := append(append([]Value{}, prefix...), v)
				grown = append(grown, t)
			}
		}
		acc = grown
	}
	out := make([]Value, 0, len(acc))
	for _, parts := range acc {
		out = append(out, Value{Parts: parts})
	}
	return out
}

func toValues(d ParamDef, n interface{}) []Value {
	switch d.Type {
	case ParamString:
		var out []Value
		for _, s := range stringLeaves(n) {
			out = append(out, Value{Text: s})
		}
		return out
	case ParamToken:
		return tokenValues(n)
	case ParamReference:
		return referenceValues(d, n)
	case ParamDate:
		if r, ok := dateRange(n); ok {
			return []Value{{Range: r}}
		}
	case ParamNumber:
		if f, ok := toNumber(n); ok {
			return []Value{{Number: f}}
		}
	case ParamQuantity:
		obj, ok := n.(map[string]interface{})
		if !ok {
			return nil
		}
		f, ok := toNumber(obj["value"])
		if !ok {
			return nil
		}
		code := stringField(obj, "code")
		if code == "" {
			code = stringField(obj, "unit")
		}
		return []Value{{Number: f, System: stringField(obj, "system"), Code: code, Text: stringField(obj, "unit")}}
	case ParamURI:
		if s, ok := n.(string); ok {
			return []Value{{Text: s}}
		}
	}
	return nil
}

// nameSkip lists HumanName/Address elements that carry no searchable text.
var nameSkip = map[string]bool{"use": true, "type": true, "period": true, "extension": true, "id": true}

func stringLeaves(n interface{}) []string {
	switch v := n.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			out = append(out, stringLeaves(item)...)
		}
		return out
	case map[string]interface{}:
		var out []string
		for k, item := range v {
			if nameSkip[k] {
				continue
			}
			out = append(out, stringLeaves(item)...)
		}
		return out
	}
	return nil
}

func tokenValues(n interface{}) []Value {
	switch v := n.(type) {
	case string:
		return []Value{{Code: v}}
	case bool:
		return []Value{{Code: strconv.FormatBool(v)}}
	case map[string]interface{}:
		// CodeableConcept
		if codings, ok := v["coding"].([]interface{}); ok || v["text"] != nil {
			var out []Value
			for _, c := range codings {
				if obj, ok := c.(map[string]interface{}); ok {
					out = append(out, coding(obj))
				}
			}
			if text := stringField(v, "text"); text != "" {
				out = append(out, Value{Text: text})
			}
			return out
		}
		// Identifier and ContactPoint
		if val := stringField(v, "value"); val != "" {
			text := ""
			if t, ok := v["type"].(map[string]interface{}); ok {
				text = stringField(t, "text")
			}
			return []Value{{System: stringField(v, "system"), Code: val, Text: text}}
		}
		// Coding
		if stringField(v, "code") != "" {
			return []Value{coding(v)}
		}
	}
	return nil
}

func coding(obj map[string]interface{}) Value {
	return Value{System: stringField(obj, "system"), Code: stringField(obj, "code"), Text: stringField(obj, "display")}
}

func referenceValues(d ParamDef, n interface{}) []Value {
	var raw string
	switch v := n.(type) {
	case string:
		raw = v
	case map[string]interface{}:
		raw = stringField(v, "reference")
	}
	if raw == "" {
		return nil
	}
	rt, id, ok := fhir.ParseReference(raw)
	if !ok {
		// Unknown targets are still indexed verbatim so equality works.
		return []Value{{Ref: raw}}
	}
	if !d.acceptsTarget(rt) {
		return nil
	}
	return []Value{{Ref: fhir.FormatReference(rt, id)}}
}

func dateRange(n interface{}) (fhir.DateRange, bool) {
	switch v := n.(type) {
	case string:
		r, err := fhir.ParseDateRange(v)
		return r, err == nil
	case map[string]interface{}:
		// Period
		out := fhir.DateRange{Start: openStart, End: openEnd}
		start, end := stringField(v, "start"), stringField(v, "end")
		if start == "" && end == "" {
			return fhir.DateRange{}, false
		}
		if start != "" {
			r, err := fhir.ParseDateRange(start)
			if err != nil {
				return fhir.DateRange{}, false
			}
			out.Start = r.Start
		}
		if end != "" {
			r, err := fhir.ParseDateRange(end)
			if err != nil {
				return fhir.DateRange{}, false
			}
			out.End = r.End
		}
		return out, true
	}
	return fhir.DateRange{}, false
}

func toNumber(n interface{}) (float64, bool) {
	switch v := n.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func stringField(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}
