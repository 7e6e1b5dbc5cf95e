package fhir

import "strings"

// PlaceholderPrefix marks bundle-local references that exist only while a
// transaction is in flight.
const PlaceholderPrefix = "urn:uuid:"

// IsPlaceholder reports whether ref is a bundle-local urn:uuid reference.
func IsPlaceholder(ref string) bool {
	return strings.HasPrefix(ref, PlaceholderPrefix)
}

// ParseReference splits a literal reference into type and id. Absolute URLs
// and version-specific references are reduced to their Type/id core:
//
//	Patient/123                          -> Patient, 123
//	http://x/fhir/Patient/123/_history/2 -> Patient, 123
//	urn:uuid:abc                         -> "", ""
func ParseReference(ref string) (ResourceType, string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || IsPlaceholder(ref) || strings.HasPrefix(ref, "#") {
		return "", "", false
	}
	if i := strings.Index(ref, "?"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if n := len(parts); n >= 4 && parts[n-2] == "_history" {
		parts = parts[:n-2]
	}
	n := len(parts)
	if n < 2 {
		return "", "", false
	}
	rt, id := parts[n-2], parts[n-1]
	if !IsKnownResourceType(rt) || id == "" {
		return "", "", false
	}
	return ResourceType(rt), id, true
}

// NormalizeReference returns the canonical "Type/id" form of ref, or ref
// unchanged when it cannot be parsed.
func NormalizeReference(ref string) string {
	rt, id, ok := ParseReference(ref)
	if !ok {
		return ref
	}
	return FormatReference(rt, id)
}

// FormatReference builds a relative "Type/id" reference.
func FormatReference(rt ResourceType, id string) string {
	return string(rt) + "/" + id
}

// WalkReferences calls fn for every "reference" string inside v, letting fn
// replace it. Used to rewrite bundle placeholders.
func WalkReferences(v interface{}, fn func(ref string) string) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			if k == "reference" {
				if s, ok := item.(string); ok {
					val[k] = fn(s)
					continue
				}
			}
			WalkReferences(item, fn)
		}
	case Resource:
		WalkReferences(map[string]interface{}(val), fn)
	case []interface{}:
		for _, item := range val {
			WalkReferences(item, fn)
		}
	}
}
