package guard

import (
	"encoding/json"
	"strings"
	"time"

	"safegate/internal/proposal"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const proposalSchemaJSON = `{
	"type": "object",
	"required": ["symbol", "side", "amount", "confidence", "sentiment", "rationale"],
	"properties": {
		"symbol":      {"type": "string"},
		"side":        {"type": "string"},
		"amount":      {"type": "number"},
		"amount_unit": {"type": "string", "enum": ["usd", "shares"]},
		"confidence":  {"type": "number"},
		"sentiment":   {"type": "number"},
		"rationale":   {"type": "string"},
		"created_at":  {"type": "string"}
	}
}`

var proposalSchema = jsonschema.MustCompileString("proposal.json", proposalSchemaJSON)

var sentinelValues = map[string]bool{
	"nan":       true,
	"null":      true,
	"n/a":       true,
	"undefined": true,
}

var numericFields = []string{"amount", "confidence", "sentiment"}

// CheckRaw inspects a proposal payload as produced by the signal producer.
// The raw bytes matter: sentinel strings like "nan" in numeric fields survive
// JSON decoding into a struct only as zeros, so they are caught here before
// the payload is decoded.
func (g *Guard) CheckRaw(raw []byte, equity float64) (*proposal.TradeProposal, *Result) {
	res := &Result{}

	if !gjson.ValidBytes(raw) {
		res.Violations = append(res.Violations, Violation{
			Field:      "payload",
			Severity:   SeverityCritical,
			Message:    "payload is not valid JSON",
			Constraint: "valid JSON object",
		})
		return nil, finalize(res)
	}

	for _, field := range numericFields {
		v := gjson.GetBytes(raw, field)
		if v.Type != gjson.String {
			continue
		}
		observed := strings.ToLower(strings.TrimSpace(v.String()))
		msg := "numeric field holds a string"
		if sentinelValues[observed] {
			msg = "numeric field holds a sentinel value"
		}
		res.Violations = append(res.Violations, Violation{
			Field:      field,
			Severity:   SeverityCritical,
			Message:    msg,
			Observed:   v.String(),
			Constraint: "finite number",
		})
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err == nil {
		if err := proposalSchema.Validate(doc); err != nil {
			res.Violations = append(res.Violations, Violation{
				Field:      "payload",
				Severity:   SeverityCritical,
				Message:    "payload does not match the proposal schema",
				Observed:   err.Error(),
				Constraint: "proposal schema",
			})
		}
	}

	if len(res.Violations) > 0 {
		return nil, finalize(res)
	}

	var p proposal.TradeProposal
	if err := json.Unmarshal(raw, &p); err != nil {
		res.Violations = append(res.Violations, Violation{
			Field:      "payload",
			Severity:   SeverityCritical,
			Message:    "payload could not be decoded",
			Observed:   err.Error(),
			Constraint: "proposal schema",
		})
		return nil, finalize(res)
	}
	if p.AmountUnit == "" {
		p.AmountUnit = proposal.UnitUSD
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return &p, g.Check(&p, equity)
}
