package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/invenrich/internal/extraction"
)

// ErrInvalidPayload marks a webhook body that is not usable: malformed JSON,
// a non-object body or a field of the wrong type.
var ErrInvalidPayload = errors.New("invalid result payload")

// Inbound is an external agent's completion report for one item.
type Inbound struct {
	Status         string          `json:"status"`
	Error          string          `json:"error"`
	NeedsReview    *bool           `json:"needsReview"`
	Summary        string          `json:"summary"`
	ReviewDecision string          `json:"reviewDecision"`
	ReviewNotes    string          `json:"reviewNotes"`
	ReviewedBy     string          `json:"reviewedBy"`
	Actor          string          `json:"actor"`
	Item           map[string]any  `json:"item"`
	StartedAt      *time.Time      `json:"startedAt"`
	ReviewedAt     *time.Time      `json:"reviewedAt"`
	SearchQuery    *string         `json:"searchQuery"`
	ReviewSignal   json.RawMessage `json:"reviewSignal"`
}

// ParseInbound decodes a webhook body. The body must be a JSON object.
func ParseInbound(body []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Inbound{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidPayload)
	}
	var in Inbound
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := itemPatch(in.Item); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// patch holds the item fields an inbound report defines. nil means absent.
type patch struct {
	text map[string]string
	num  map[string]float64
}

// itemPatch validates the inbound item object. Unknown keys are ignored and
// null values count as absent.
func itemPatch(item map[string]any) (patch, error) {
	p := patch{text: make(map[string]string), num: make(map[string]float64)}
	for key, v := range item {
		field, ok := extraction.CanonicalField(key)
		if !ok || v == nil {
			continue
		}
		switch field {
		case extraction.FieldPrice, extraction.FieldLengthMM, extraction.FieldWidthMM,
			extraction.FieldHeightMM, extraction.FieldWeightKG:
			f, err := number(v)
			if err != nil {
				return patch{}, fmt.Errorf("%w: item.%s: %v", ErrInvalidPayload, key, err)
			}
			p.num[field] = f
		default:
			s, ok := v.(string)
			if !ok {
				return patch{}, fmt.Errorf("%w: item.%s must be a string", ErrInvalidPayload, key)
			}
			p.text[field] = s
		}
	}
	return p, nil
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	default:
		return 0, errors.New("must be a number")
	}
}
