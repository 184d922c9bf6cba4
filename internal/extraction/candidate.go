package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/kalambet/invenrich/internal/llm"
)

// Candidate is the structured record the extraction stage produces. It has
// no taxonomy or category fields: those are never filled from web evidence.
type Candidate struct {
	Description  string   `json:"description,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	ShortText    string   `json:"short_text,omitempty"`
	LongText     string   `json:"long_text,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	LengthMM     *float64 `json:"length_mm,omitempty"`
	WidthMM      *float64 `json:"width_mm,omitempty"`
	HeightMM     *float64 `json:"height_mm,omitempty"`
	WeightKG     *float64 `json:"weight_kg,omitempty"`
}

// Canonical candidate field names.
const (
	FieldDescription  = "description"
	FieldPrice        = "price"
	FieldShortText    = "short_text"
	FieldLongText     = "long_text"
	FieldManufacturer = "manufacturer"
	FieldLengthMM     = "length_mm"
	FieldWidthMM      = "width_mm"
	FieldHeightMM     = "height_mm"
	FieldWeightKG     = "weight_kg"
)

// Fields lists every candidate field in schema order.
var Fields = []string{
	FieldDescription, FieldPrice, FieldShortText, FieldLongText, FieldManufacturer,
	FieldLengthMM, FieldWidthMM, FieldHeightMM, FieldWeightKG,
}

// fieldAliases maps folded key spellings to canonical field names.
var fieldAliases = map[string]string{
	"description":  FieldDescription,
	"desc":         FieldDescription,
	"price":        FieldPrice,
	"shorttext":    FieldShortText,
	"longtext":     FieldLongText,
	"manufacturer": FieldManufacturer,
	"brand":        FieldManufacturer,
	"lengthmm":     FieldLengthMM,
	"length":       FieldLengthMM,
	"widthmm":      FieldWidthMM,
	"width":        FieldWidthMM,
	"heightmm":     FieldHeightMM,
	"height":       FieldHeightMM,
	"weightkg":     FieldWeightKG,
	"weight":       FieldWeightKG,
}

// CanonicalField folds name (any case, snake or camel) onto a canonical
// field name. ok is false for names that are not candidate fields.
func CanonicalField(name string) (string, bool) {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	f, ok := fieldAliases[b.String()]
	return f, ok
}

// Clear empties a field. It reports whether name was a candidate field.
func (c *Candidate) Clear(name string) bool {
	field, ok := CanonicalField(name)
	if !ok {
		return false
	}
	switch field {
	case FieldDescription:
		c.Description = ""
	case FieldPrice:
		c.Price = nil
	case FieldShortText:
		c.ShortText = ""
	case FieldLongText:
		c.LongText = ""
	case FieldManufacturer:
		c.Manufacturer = ""
	case FieldLengthMM:
		c.LengthMM = nil
	case FieldWidthMM:
		c.WidthMM = nil
	case FieldHeightMM:
		c.HeightMM = nil
	case FieldWeightKG:
		c.WeightKG = nil
	}
	return true
}

// Empty reports whether no field is populated.
func (c Candidate) Empty() bool {
	return c == (Candidate{})
}

// CandidateSchema is the structured-output schema sent with the extraction
// call.
func CandidateSchema() *llm.Schema {
	str := func(desc string) llm.SchemaProperty { return llm.SchemaProperty{Type: "string", Description: desc} }
	num := func(desc string) llm.SchemaProperty { return llm.SchemaProperty{Type: "number", Description: desc} }
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			FieldDescription:  str("Product name as the manufacturer lists it"),
			FieldPrice:        num("List price as a plain number"),
			FieldShortText:    str("One-line summary"),
			FieldLongText:     str("Full description from the evidence"),
			FieldManufacturer: str("Manufacturer or brand"),
			FieldLengthMM:     num("Length in millimetres"),
			FieldWidthMM:      num("Width in millimetres"),
			FieldHeightMM:     num("Height in millimetres"),
			FieldWeightKG:     num("Weight in kilograms"),
		},
	}
}

// ParseCandidate decodes the extraction model's answer. Markdown fences and
// prose around the JSON object are tolerated; numbers may arrive as strings
// ("1,5 kg"). Keys outside the candidate fields are dropped.
func ParseCandidate(raw string) (Candidate, error) {
	body := strings.TrimSpace(raw)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return Candidate{}, errors.New("no JSON object in model output")
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(body[start:end+1]), &m); err != nil {
		return Candidate{}, fmt.Errorf("decoding candidate: %w", err)
	}

	var c Candidate
	for key, v := range m {
		field, ok := CanonicalField(key)
		if !ok || v == nil {
			continue
		}
		switch field {
		case FieldDescription:
			c.Description = asString(v)
		case FieldShortText:
			c.ShortText = asString(v)
		case FieldLongText:
			c.LongText = asString(v)
		case FieldManufacturer:
			c.Manufacturer = asString(v)
		case FieldPrice:
			c.Price = asNumber(v)
		case FieldLengthMM:
			c.LengthMM = asNumber(v)
		case FieldWidthMM:
			c.WidthMM = asNumber(v)
		case FieldHeightMM:
			c.HeightMM = asNumber(v)
		case FieldWeightKG:
			c.WeightKG = asNumber(v)
		}
	}
	return c, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func asNumber(v any) *float64 {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return nil
		}
		return &n
	case string:
		var b strings.Builder
		seenDigit := false
	scan:
		for _, r := range strings.TrimSpace(n) {
			switch {
			case unicode.IsDigit(r):
				seenDigit = true
				b.WriteRune(r)
			case r == '.' || r == ',':
				b.WriteRune('.')
			case seenDigit:
				break scan
			}
		}
		f, err := strconv.ParseFloat(strings.TrimRight(b.String(), "."), 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
