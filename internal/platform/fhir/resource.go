package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is a FHIR resource held as its decoded JSON object.
type Resource map[string]interface{}

// ParseResource decodes a JSON object into a Resource.
func ParseResource(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode resource: not a JSON object")
	}
	return r, nil
}

// Type returns the declared resourceType, or "" when absent.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the logical id, or "" when absent.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Profiles returns the canonical URLs declared in meta.profile.
func (r Resource) Profiles() []string {
	meta, _ := r["meta"].(map[string]interface{})
	if meta == nil {
		return nil
	}
	raw, _ := meta["profile"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy. Stored versions are never handed out by
// reference, so every projection or rewrite starts from a Clone.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(r)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[k] = cloneValue(item)
		}
		return m
	case Resource:
		return cloneValue(map[string]interface{}(val))
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, item := range val {
			s[i] = cloneValue(item)
		}
		return s
	default:
		return val
	}
}

// Stamp sets id, meta.versionId and meta.lastUpdated in place.
func (r Resource) Stamp(id string, versionID int, lastUpdated time.Time) {
	r["id"] = id
	meta, _ := r["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = fmt.Sprintf("%d", versionID)
	meta["lastUpdated"] = FormatInstant(lastUpdated)
	r["meta"] = meta
}

// FormatInstant renders a timestamp as a FHIR instant with millisecond precision.
func FormatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Marshal encodes the resource as JSON.
func (r Resource) Marshal() (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}(r))
}
