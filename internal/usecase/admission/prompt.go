package admission

import (
	"encoding/json"
	"fmt"
	"time"

	"signalflow/internal/domain"
)

const baseInstruction = `Analyze the signal below against the guideline and the supplied context.
Respond with a single JSON document containing:
  "classification": {"category", "priority" (1-10), "escalation" (1-5), "confidence" (0-100)}
  "recommendations": [{"action", "detail"}, ...]`

// buildPrompt assembles the token-capped request text. The base block carries
// the signal fields verbatim; the guideline is truncated to its reservation
// and the context to the derived allowance. If the assembled prompt still
// exceeds the cap, the context allowance is halved once and the prompt
// rebuilt. One corrective pass, not iterative.
func buildPrompt(counter domain.TokenCounter, budget domain.TokenBudget, signal domain.Signal, guideline string, extra any) string {
	base := fmt.Sprintf(`%s

Signal:
  id: %s
  type: %s
  source: %s
  priority: %d
  timestamp: %s
  payload: %s`,
		baseInstruction,
		signal.ID,
		signal.Type,
		signal.Source,
		signal.Priority,
		signal.Timestamp.Format(time.RFC3339),
		signal.SerializedPayload(),
	)

	guideline = truncateToTokens(counter, guideline, budget.GuidelineReserve)
	rendered := renderContext(extra)

	allowance := budget.Available()
	prompt := assemble(base, guideline, truncateToTokens(counter, rendered, allowance))
	if counter.Count(prompt) > budget.Cap {
		prompt = assemble(base, guideline, truncateToTokens(counter, rendered, allowance/2))
	}
	return prompt
}

func assemble(base, guideline, context string) string {
	return base + "\n\nGuideline:\n" + guideline + "\n\nContext:\n" + context
}

// renderContext serializes the caller-supplied context object. It never
// fails: unmarshalable shapes fall back to fmt formatting.
func renderContext(extra any) string {
	switch c := extra.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(b)
	}
}

// truncateToTokens cuts text until its estimated cost fits the budget.
// Cutting is proportional to the overshoot, so the loop converges in a few
// rounds for any counter whose estimate shrinks with the text.
func truncateToTokens(counter domain.TokenCounter, text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	for len(text) > 0 {
		cost := counter.Count(text)
		if cost <= budget {
			return text
		}
		keep := len(text) * budget / cost
		if keep >= len(text) {
			keep = len(text) - 1
		}
		text = text[:keep]
	}
	return text
}
