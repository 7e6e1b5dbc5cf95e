package index

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

type matcher func(Value) bool

// allowedModifiers lists the modifiers each parameter type understands besides
// :missing. Reference parameters additionally accept a resource type.
var allowedModifiers = map[ParamType][]fhir.SearchModifier{
	ParamString: {fhir.ModifierExact, fhir.ModifierContains},
	ParamToken:  {fhir.ModifierText, fhir.ModifierNot},
	ParamURI:    {fhir.ModifierAbove, fhir.ModifierBelow},
}

func checkModifier(d ParamDef, mod fhir.SearchModifier) error {
	if mod == "" || mod == fhir.ModifierMissing {
		return nil
	}
	for _, m := range allowedModifiers[d.Type] {
		if m == mod {
			return nil
		}
	}
	if d.Type == ParamReference && fhir.IsKnownResourceType(string(mod)) {
		return nil
	}
	return fmt.Errorf("modifier :%s is not supported on %s parameters", mod, d.Type)
}

// compile turns one search value into a predicate over indexed values. The
// :not modifier is applied by the caller; here it matches like a plain token.
func compile(d ParamDef, mod fhir.SearchModifier, raw string) (matcher, error) {
	switch d.Type {
	case ParamString:
		return compileString(mod, raw), nil
	case ParamToken:
		return compileToken(mod, raw), nil
	case ParamReference:
		return compileReference(mod, raw), nil
	case ParamDate:
		ps := fhir.ParseSearchValue(raw)
		r, err := fhir.ParseDateRange(ps.Value)
		if err != nil {
			return nil, err
		}
		return func(v Value) bool { return fhir.MatchDateRange(ps.Prefix, v.Range, r) }, nil
	case ParamNumber:
		ps := fhir.ParseSearchValue(raw)
		cmp, err := compileNumber(ps.Prefix, ps.Value)
		if err != nil {
			return nil, err
		}
		return func(v Value) bool { return cmp(v.Number) }, nil
	case ParamQuantity:
		return compileQuantity(raw)
	case ParamURI:
		return compileURI(mod, raw), nil
	case ParamComposite:
		return compileComposite(d, raw)
	}
	return nil, fmt.Errorf("unsupported parameter type %s", d.Type)
}

func compileString(mod fhir.SearchModifier, raw string) matcher {
	switch mod {
	case fhir.ModifierExact:
		return func(v Value) bool { return v.Text == raw }
	case fhir.ModifierContains:
		q := strings.ToLower(raw)
		return func(v Value) bool { return strings.Contains(strings.ToLower(v.Text), q) }
	default:
		q := strings.ToLower(raw)
		return func(v Value) bool { return strings.HasPrefix(strings.ToLower(v.Text), q) }
	}
}

func compileToken(mod fhir.SearchModifier, raw string) matcher {
	if mod == fhir.ModifierText {
		q := strings.ToLower(raw)
		return func(v Value) bool { return v.Text != "" && strings.HasPrefix(strings.ToLower(v.Text), q) }
	}
	system, code, hasBar := strings.Cut(raw, "|")
	if !hasBar {
		return func(v Value) bool { return v.Code != "" && v.Code == raw }
	}
	switch {
	case system == "":
		return func(v Value) bool { return v.System == "" && v.Code != "" && v.Code == code }
	case code == "":
		return func(v Value) bool { return v.System == system }
	default:
		return func(v Value) bool { return v.System == system && v.Code == code }
	}
}

func compileReference(mod fhir.SearchModifier, raw string) matcher {
	if strings.Contains(raw, "/") {
		want := fhir.NormalizeReference(raw)
		return func(v Value) bool { return v.Ref == want }
	}
	if mod != "" && mod != fhir.ModifierMissing {
		want := string(mod) + "/" + raw
		return func(v Value) bool { return v.Ref == want }
	}
	suffix := "/" + raw
	return func(v Value) bool { return strings.HasSuffix(v.Ref, suffix) && strings.Count(v.Ref, "/") == 1 }
}

func compileURI(mod fhir.SearchModifier, raw string) matcher {
	switch mod {
	case fhir.ModifierBelow:
		return func(v Value) bool { return strings.HasPrefix(v.Text, raw) }
	case fhir.ModifierAbove:
		return func(v Value) bool { return v.Text != "" && strings.HasPrefix(raw, v.Text) }
	default:
		return func(v Value) bool { return v.Text == raw }
	}
}

// compileNumber applies prefix semantics. For eq and ne the search value
// carries implicit precision: 5.4 matches anything in [5.35, 5.45).
func compileNumber(prefix fhir.SearchPrefix, raw string) (func(float64) bool, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", raw)
	}
	decimals := 0
	mantissa := strings.ToLower(raw)
	if i := strings.IndexByte(mantissa, 'e'); i >= 0 {
		mantissa = mantissa[:i]
	}
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		decimals = len(mantissa) - i - 1
	}
	half := 0.5 * math.Pow(10, -float64(decimals))
	lo, hi := f-half, f+half

	switch prefix {
	case fhir.PrefixNe:
		return func(x float64) bool { return x < lo || x >= hi }, nil
	case fhir.PrefixGt, fhir.PrefixSa:
		return func(x float64) bool { return x > f }, nil
	case fhir.PrefixLt, fhir.PrefixEb:
		return func(x float64) bool { return x < f }, nil
	case fhir.PrefixGe:
		return func(x float64) bool { return x >= f }, nil
	case fhir.PrefixLe:
		return func(x float64) bool { return x <= f }, nil
	case fhir.PrefixAp:
		tolerance := math.Max(math.Abs(f)*0.1, half)
		return func(x float64) bool { return math.Abs(x-f) <= tolerance }, nil
	default:
		return func(x float64) bool { return x >= lo && x < hi }, nil
	}
}

// compileQuantity parses [prefix]number[|system[|code]]. An empty system
// matches any system; the code is compared against the unit code or unit.
func compileQuantity(raw string) (matcher, error) {
	ps := fhir.ParseSearchValue(raw)
	parts := strings.SplitN(ps.Value, "|", 3)
	cmp, err := compileNumber(ps.Prefix, parts[0])
	if err != nil {
		return nil, err
	}
	var system, code string
	if len(parts) > 1 {
		system = parts[1]
	}
	if len(parts) > 2 {
		code = parts[2]
	}
	return func(v Value) bool {
		if system != "" && v.System != system {
			return false
		}
		if code != "" && v.Code != code && v.Text != code {
			return false
		}
		return cmp(v.Number)
	}, nil
}

func compileComposite(d ParamDef, raw string) (matcher, error) {
	parts := strings.Split(raw, "$")
	if len(parts) != len(d.Components) {
		return nil, fmt.Errorf("composite value needs %d components separated by $", len(d.Components))
	}
	matchers := make([]matcher, len(parts))
	for i, p := range parts {
		m, err := compile(d.Components[i], "", p)
		if err != nil {
			return nil, err
		}
		matchers[i] = m
	}
	return func(v Value) bool {
		if len(v.Parts) != len(matchers) {
			return false
		}
		for i, m := range matchers {
			if !m(v.Parts[i]) {
				return false
			}
		}
		return true
	}, nil
}
