package admission

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"signalflow/internal/domain"
)

// resultSchemaSrc enforces the required shape of a reasoning result: a
// classification with at least a category, and a recommendations list.
// Numeric ranges are deliberately absent: out-of-range values are clamped
// after validation, not rejected.
const resultSchemaSrc = `{
	"type": "object",
	"required": ["classification", "recommendations"],
	"properties": {
		"classification": {
			"type": "object",
			"required": ["category"],
			"properties": {
				"category":   {"type": "string"},
				"priority":   {"type": "number"},
				"escalation": {"type": "number"},
				"confidence": {"type": "number"}
			}
		},
		"recommendations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"action": {"type": "string"},
					"detail": {"type": "string"}
				}
			}
		}
	}
}`

var resultSchema = func() *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(resultSchemaSrc))
	if err != nil {
		panic(fmt.Sprintf("compile result schema: %v", err))
	}
	return s
}()

type rawResult struct {
	Classification struct {
		Category   string  `json:"category"`
		Priority   float64 `json:"priority"`
		Escalation float64 `json:"escalation"`
		Confidence float64 `json:"confidence"`
	} `json:"classification"`
	Recommendations []struct {
		Action string `json:"action"`
		Detail string `json:"detail"`
	} `json:"recommendations"`
}

// parseResult validates a reasoning result document and clamps its numeric
// classification fields into their documented ranges. A missing
// classification or recommendations section is fatal for the request.
func parseResult(raw json.RawMessage) (domain.Classification, []domain.Recommendation, error) {
	if len(raw) == 0 {
		return domain.Classification{}, nil,
			domain.NewDomainError("parseResult", domain.ErrMalformedResult, "empty result document")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Classification{}, nil,
			domain.NewDomainError("parseResult", domain.ErrMalformedResult, err.Error())
	}
	if !resultSchema.Validate(doc).IsValid() {
		return domain.Classification{}, nil,
			domain.NewDomainError("parseResult", domain.ErrMalformedResult, "missing classification or recommendations")
	}

	var parsed rawResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Classification{}, nil,
			domain.NewDomainError("parseResult", domain.ErrMalformedResult, err.Error())
	}

	cls := domain.Classification{
		Category:   parsed.Classification.Category,
		Priority:   clampRange(parsed.Classification.Priority, 1, 10),
		Escalation: clampRange(parsed.Classification.Escalation, 1, 5),
		Confidence: clampRange(parsed.Classification.Confidence, 0, 100),
	}

	recs := make([]domain.Recommendation, 0, len(parsed.Recommendations))
	for _, r := range parsed.Recommendations {
		recs = append(recs, domain.Recommendation{Action: r.Action, Detail: r.Detail})
	}
	return cls, recs, nil
}

func clampRange(v float64, lo, hi int) int {
	n := int(v)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
