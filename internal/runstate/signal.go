package runstate

import (
	"encoding/json"
	"strings"
)

const (
	maxMissingSpecs   = 10
	maxMissingSpecLen = 120
)

// ReviewSignal summarizes reviewer feedback for a completed run.
type ReviewSignal struct {
	BadFormat               bool     `json:"bad_format"`
	WrongInformation        bool     `json:"wrong_information"`
	WrongPhysicalDimensions bool     `json:"wrong_physical_dimensions"`
	InformationPresent      bool     `json:"information_present"`
	MissingSpec             []string `json:"missing_spec"`
}

// Empty reports whether the signal carries no feedback at all.
func (s ReviewSignal) Empty() bool {
	return !s.BadFormat && !s.WrongInformation && !s.WrongPhysicalDimensions &&
		!s.InformationPresent && len(s.MissingSpec) == 0
}

// NormalizeReviewSignal builds a ReviewSignal from loosely typed input such as
// a decoded JSON object or raw JSON bytes. Anything it cannot interpret
// becomes the zero value for that field.
func NormalizeReviewSignal(raw any) ReviewSignal {
	var m map[string]any
	switch v := raw.(type) {
	case map[string]any:
		m = v
	case json.RawMessage:
		_ = json.Unmarshal(v, &m)
	case []byte:
		_ = json.Unmarshal(v, &m)
	case string:
		_ = json.Unmarshal([]byte(v), &m)
	case ReviewSignal:
		return ReviewSignal{
			BadFormat:               v.BadFormat,
			WrongInformation:        v.WrongInformation,
			WrongPhysicalDimensions: v.WrongPhysicalDimensions,
			InformationPresent:      v.InformationPresent,
			MissingSpec:             normalizeSpecs(v.MissingSpec),
		}
	}
	if m == nil {
		return ReviewSignal{MissingSpec: []string{}}
	}
	return ReviewSignal{
		BadFormat:               truthy(lookupAny(m, "bad_format", "badFormat")),
		WrongInformation:        truthy(lookupAny(m, "wrong_information", "wrongInformation")),
		WrongPhysicalDimensions: truthy(lookupAny(m, "wrong_physical_dimensions", "wrongPhysicalDimensions")),
		InformationPresent:      truthy(lookupAny(m, "information_present", "informationPresent")),
		MissingSpec:             normalizeSpecs(specList(lookupAny(m, "missing_spec", "missingSpec"))),
	}
}

func lookupAny(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			return true
		}
	}
	return false
}

func specList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ';' || r == '\n' })
	}
	return nil
}

func normalizeSpecs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			continue
		}
		if r := []rune(s); len(r) > maxMissingSpecLen {
			s = string(r[:maxMissingSpecLen])
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
		if len(out) == maxMissingSpecs {
			break
		}
	}
	return out
}
