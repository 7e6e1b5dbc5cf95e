// Package search plans and executes FHIR searches over the index and store.
package search

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/fhirstore/internal/index"
	"github.com/ehr/fhirstore/internal/platform/fhir"
)

const (
	DefaultCount = 20
	MaxCount     = 1000
)

// Summary is the _summary mode.
type Summary string

const (
	SummaryNone  Summary = ""
	SummaryTrue  Summary = "true"
	SummaryText  Summary = "text"
	SummaryData  Summary = "data"
	SummaryCount Summary = "count"
	SummaryFalse Summary = "false"
)

// Param is one AND-ed parameter; Values are OR-ed alternatives.
type Param struct {
	Name     string
	Modifier fhir.SearchModifier
	Values   []string
}

// Chain is a one-hop chained parameter: Ref[:TargetType].TargetParam=Values.
type Chain struct {
	Ref         string
	TargetTypes []fhir.ResourceType
	Param       string
	Modifier    fhir.SearchModifier
	Values      []string
}

// Include is an _include or _revinclude directive Source:Param[:Target].
// Param is "*" for every reference parameter of Source.
type Include struct {
	Source fhir.ResourceType
	Param  string
	Target fhir.ResourceType
}

func (in Include) String() string {
	if in.Param == "*" && in.Source == "" {
		return "*"
	}
	s := string(in.Source) + ":" + in.Param
	if in.Target != "" {
		s += ":" + string(in.Target)
	}
	return s
}

// Query is a parsed search request against one resource type.
type Query struct {
	Type        fhir.ResourceType
	Params      []Param
	Chains      []Chain
	Includes    []Include
	RevIncludes []Include
	Count       int
	Offset      int
	Summary     Summary
	Elements    []string
}

// formatParams are accepted and ignored; they only affect rendering.
var formatParams = map[string]bool{"_format": true, "_pretty": true}

// Parse builds a Query for rt from URL query values. Repeated keys are
// AND-ed, comma separated values are OR-ed.
func Parse(reg *index.Registry, rt fhir.ResourceType, values url.Values) (*Query, error) {
	q := &Query{Type: rt, Count: DefaultCount}
	page := 0

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, raw := range values[key] {
			switch key {
			case "_count":
				n, err := nonNegative(rt, key, raw)
				if err != nil {
					return nil, err
				}
				q.Count = n
				continue
			case "_offset":
				n, err := nonNegative(rt, key, raw)
				if err != nil {
					return nil, err
				}
				q.Offset = n
				continue
			case "_page":
				n, err := nonNegative(rt, key, raw)
				if err != nil {
					return nil, err
				}
				if n < 1 {
					return nil, fhir.NewUnsupportedParameter(rt, key, "page numbers start at 1")
				}
				page = n
				continue
			case "_summary":
				s := Summary(raw)
				switch s {
				case SummaryTrue, SummaryText, SummaryData, SummaryCount, SummaryFalse:
					q.Summary = s
				default:
					return nil, fhir.NewUnsupportedParameter(rt, key, "expected true, text, data, count or false")
				}
				continue
			case "_elements":
				for _, e := range strings.Split(raw, ",") {
					if e = strings.TrimSpace(e); e != "" {
						q.Elements = append(q.Elements, e)
					}
				}
				continue
			case "_include":
				in, err := parseInclude(reg, rt, raw, false)
				if err != nil {
					return nil, err
				}
				q.Includes = append(q.Includes, in)
				continue
			case "_revinclude":
				in, err := parseInclude(reg, rt, raw, true)
				if err != nil {
					return nil, err
				}
				q.RevIncludes = append(q.RevIncludes, in)
				continue
			}
			if formatParams[key] {
				continue
			}
			if err := q.addParam(reg, key, raw); err != nil {
				return nil, err
			}
		}
	}

	if q.Count > MaxCount {
		q.Count = MaxCount
	}
	if q.Count == 0 {
		q.Summary = SummaryCount
	}
	if page > 0 && q.Count > 0 {
		q.Offset = (page - 1) * q.Count
	}
	return q, nil
}

// ParseCriteria parses conditional-operation criteria in either the
// "Patient?identifier=x" or the bare "identifier=x" form.
func ParseCriteria(reg *index.Registry, rt fhir.ResourceType, criteria string) (*Query, error) {
	criteria = strings.TrimPrefix(strings.TrimSpace(criteria), "/")
	if typ, rest, ok := strings.Cut(criteria, "?"); ok {
		if typ != "" && typ != string(rt) {
			return nil, fhir.Invalid(rt, "criteria", "criteria type %q does not match %s", typ, rt)
		}
		criteria = rest
	}
	values, err := url.ParseQuery(criteria)
	if err != nil {
		return nil, fhir.Invalid(rt, "criteria", "malformed criteria %q: %v", criteria, err)
	}
	q, err := Parse(reg, rt, values)
	if err != nil {
		return nil, err
	}
	if len(q.Params) == 0 && len(q.Chains) == 0 {
		return nil, fhir.Invalid(rt, "criteria", "criteria %q selects no parameters", criteria)
	}
	return q, nil
}

func nonNegative(rt fhir.ResourceType, key, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fhir.NewUnsupportedParameter(rt, key, "expected a non-negative integer")
	}
	return n, nil
}

func (q *Query) addParam(reg *index.Registry, key, raw string) error {
	rt := q.Type
	head, tail, chained := strings.Cut(key, ".")
	if chained {
		return q.addChain(reg, key, head, tail, raw)
	}

	name, mod := fhir.ParseParamModifier(key)
	if _, ok := reg.Param(rt, name); !ok {
		if strings.HasPrefix(name, "_") {
			return fhir.NewUnsupportedParameter(rt, key, "unsupported control parameter")
		}
		return fhir.NewUnsupportedParameter(rt, key, "unknown search parameter")
	}
	q.Params = append(q.Params, Param{Name: name, Modifier: mod, Values: fhir.SplitOrValues(raw)})
	return nil
}

func (q *Query) addChain(reg *index.Registry, key, head, tail, raw string) error {
	rt := q.Type
	if strings.Contains(tail, ".") {
		return fhir.NewUnsupportedChain(rt, key, "only one level of chaining is supported")
	}
	refName, typeMod := fhir.ParseParamModifier(head)
	def, ok := reg.Param(rt, refName)
	if !ok || def.Type != index.ParamReference {
		return fhir.NewUnsupportedChain(rt, key, refName+" is not a reference parameter of "+string(rt))
	}
	targetName, targetMod := fhir.ParseParamModifier(tail)

	var candidates []fhir.ResourceType
	switch {
	case typeMod != "":
		t, ok := fhir.ParseResourceType(string(typeMod))
		if !ok {
			return fhir.NewUnsupportedChain(rt, key, "unknown target type "+string(typeMod))
		}
		candidates = []fhir.ResourceType{t}
	case len(def.Targets) > 0:
		candidates = def.Targets
	default:
		candidates = fhir.ResourceTypes()
	}

	var targets []fhir.ResourceType
	for _, t := range candidates {
		if _, ok := reg.Param(t, targetName); ok {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return fhir.NewUnsupportedChain(rt, key, "no target type supports "+targetName)
	}
	q.Chains = append(q.Chains, Chain{
		Ref:         def.Name,
		TargetTypes: targets,
		Param:       targetName,
		Modifier:    targetMod,
		Values:      fhir.SplitOrValues(raw),
	})
	return nil
}

func parseInclude(reg *index.Registry, rt fhir.ResourceType, raw string, rev bool) (Include, error) {
	key := "_include"
	if rev {
		key = "_revinclude"
	}
	if raw == "*" && !rev {
		return Include{Source: rt, Param: "*"}, nil
	}
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Include{}, fhir.NewUnsupportedParameter(rt, key, "expected Source:param[:Target]")
	}
	src, ok := fhir.ParseResourceType(parts[0])
	if !ok {
		return Include{}, fhir.NewUnsupportedParameter(rt, key, "unknown source type "+parts[0])
	}
	if !rev && src != rt {
		return Include{}, fhir.NewUnsupportedParameter(rt, key, "include source must be "+string(rt))
	}
	in := Include{Source: src, Param: parts[1]}
	if in.Param != "*" {
		def, ok := reg.Param(src, in.Param)
		if !ok || def.Type != index.ParamReference {
			return Include{}, fhir.NewUnsupportedParameter(rt, key, in.Param+" is not a reference parameter of "+string(src))
		}
		in.Param = def.Name
	}
	if len(parts) == 3 {
		t, ok := fhir.ParseResourceType(parts[2])
		if !ok {
			return Include{}, fhir.NewUnsupportedParameter(rt, key, "unknown target type "+parts[2])
		}
		in.Target = t
	}
	return in, nil
}

// Encode renders the query back into canonical URL parameters, used for the
// self and paging links of a search bundle.
func (q *Query) Encode() string {
	v := url.Values{}
	for _, p := range q.Params {
		key := p.Name
		if p.Modifier != "" {
			key += ":" + string(p.Modifier)
		}
		v.Add(key, joinOr(p.Values))
	}
	for _, c := range q.Chains {
		key := c.Ref
		if len(c.TargetTypes) == 1 {
			key += ":" + string(c.TargetTypes[0])
		}
		key += "." + c.Param
		if c.Modifier != "" {
			key += ":" + string(c.Modifier)
		}
		v.Add(key, joinOr(c.Values))
	}
	for _, in := range q.Includes {
		v.Add("_include", in.String())
	}
	for _, in := range q.RevIncludes {
		v.Add("_revinclude", in.String())
	}
	if q.Summary != SummaryNone && !(q.Summary == SummaryCount && q.Count == 0) {
		v.Add("_summary", string(q.Summary))
	}
	if len(q.Elements) > 0 {
		v.Add("_elements", strings.Join(q.Elements, ","))
	}
	return v.Encode()
}

func joinOr(values []string) string {
	escaped := make([]string, len(values))
	for i, s := range values {
		escaped[i] = strings.ReplaceAll(s, ",", `\,`)
	}
	return strings.Join(escaped, ",")
}
