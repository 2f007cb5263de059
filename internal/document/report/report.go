// Package report turns the loosely shaped completion payloads sent by the
// analysis engine into strict records.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
)

// Outcome is the machine decision carried by a report.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeError    Outcome = "ERROR"
)

var (
	ErrEmptyPayload          = errors.New("empty_payload")
	ErrMalformedPayload      = errors.New("malformed_payload")
	ErrUnresolvedCorrelation = errors.New("unresolved_correlation")
)

// Fiscal holds extracted monetary totals in minor units (cents).
type Fiscal struct {
	TotalAmount *int64 `json:"total_amount,omitempty"`
	TaxAmount   *int64 `json:"tax_amount,omitempty"`
	IcmsAmount  *int64 `json:"icms_amount,omitempty"`
	NetAmount   *int64 `json:"net_amount,omitempty"`
}

type Report struct {
	DocumentID snowflake.ID
	Outcome    Outcome
	// Status is the raw keyword the outcome was derived from.
	Status string
	Fiscal Fiscal
	Raw    json.RawMessage
}

// Item is one element of a parsed payload. Err is set when the element could
// not be correlated to a document.
type Item struct {
	Report Report
	Err    error
}

var (
	correlationKeys = []string{"document_id", "documentId", "correlation_id", "correlationId", "id"}
	outcomeKeys     = []string{"status", "outcome", "result", "decision", "analysis_status"}
	envelopeKeys    = []string{"metadata", "body", "data", "output", "result"}
	fiscalKeys      = []string{"fiscal", "extracted", "fields", "data"}

	totalKeys = []string{"total_amount", "valor_total", "total"}
	taxKeys   = []string{"tax_amount", "valor_impostos", "impostos"}
	icmsKeys  = []string{"icms", "valor_icms"}
	netKeys   = []string{"net_amount", "valor_liquido"}
)

// Parse accepts a single report object or an array of them.
func Parse(body []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}

	var elements []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, ErrMalformedPayload
		}
	case '{':
		elements = []json.RawMessage{json.RawMessage(trimmed)}
	default:
		return nil, ErrMalformedPayload
	}

	items := make([]Item, 0, len(elements))
	for _, element := range elements {
		report, err := ParseOne(element)
		items = append(items, Item{Report: report, Err: err})
	}
	return items, nil
}

// ParseOne decodes one report object.
func ParseOne(raw json.RawMessage) (Report, error) {
	report := Report{Raw: raw}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil || doc == nil {
		return report, ErrMalformedPayload
	}

	id, ok := lookupID(doc)
	if !ok {
		return report, ErrUnresolvedCorrelation
	}
	report.DocumentID = id

	report.Status = lookupString(doc, outcomeKeys)
	report.Outcome = MapOutcome(report.Status)

	report.Fiscal = Fiscal{
		TotalAmount: lookupAmount(doc, totalKeys),
		TaxAmount:   lookupAmount(doc, taxKeys),
		IcmsAmount:  lookupAmount(doc, icmsKeys),
		NetAmount:   lookupAmount(doc, netKeys),
	}
	return report, nil
}

var (
	// Stems are matched against the start of each slug token, so "reprovada"
	// and "divergencia" hit the same entries as their other inflections.
	rejectedStems  = []string{"reject", "rejeit", "reprov", "recusad", "diverg", "noncompliant", "inconform", "irregular"}
	errorStems     = []string{"erro", "fail", "falh"}
	compliantStems = []string{"compliant", "conform", "approv", "aprovad"}
	negationTokens = map[string]bool{"no": true, "not": true, "non": true, "nao": true, "sem": true, "without": true, "zero": true, "nenhum": true}
)

// MapOutcome maps a free-text status keyword to an outcome. A negated
// compliance word ("nao conforme", "not approved") rejects; a negated error
// word ("sem erros", "no errors found") is ignored. Unknown or empty
// keywords count as approved.
func MapOutcome(keyword string) Outcome {
	tokens := strings.FieldsFunc(slug.Make(keyword), func(r rune) bool { return r == '-' || r == '_' })

	var rejected, failed bool
	for i, token := range tokens {
		negated := i > 0 && negationTokens[tokens[i-1]]
		switch {
		case hasStem(token, rejectedStems):
			if !negated {
				rejected = true
			}
		case hasStem(token, errorStems):
			if !negated {
				failed = true
			}
		case hasStem(token, compliantStems):
			if negated {
				rejected = true
			}
		}
	}

	switch {
	case rejected:
		return OutcomeRejected
	case failed:
		return OutcomeError
	default:
		return OutcomeApproved
	}
}

func hasStem(token string, stems []string) bool {
	for _, stem := range stems {
		if strings.HasPrefix(token, stem) {
			return true
		}
	}
	return false
}

func lookupID(doc map[string]any) (snowflake.ID, bool) {
	for _, scope := range scopes(doc, envelopeKeys) {
		for _, key := range correlationKeys {
			value, ok := scope[key]
			if !ok {
				continue
			}
			if id, ok := toID(value); ok {
				return id, true
			}
		}
	}
	return 0, false
}

func lookupString(doc map[string]any, keys []string) string {
	for _, scope := range scopes(doc, envelopeKeys) {
		for _, key := range keys {
			if value, ok := scope[key].(string); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

func lookupAmount(doc map[string]any, keys []string) *int64 {
	for _, scope := range scopes(doc, fiscalKeys) {
		for _, key := range keys {
			value, ok := scope[key]
			if !ok {
				continue
			}
			if amount, ok := toMinorUnits(value); ok {
				return &amount
			}
		}
	}
	return nil
}

// scopes returns doc followed by every nested object found under nested.
func scopes(doc map[string]any, nested []string) []map[string]any {
	out := []map[string]any{doc}
	for _, key := range nested {
		if child, ok := doc[key].(map[string]any); ok {
			out = append(out, child)
		}
	}
	return out
}

func toID(value any) (snowflake.ID, bool) {
	var raw string
	switch v := value.(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = strings.TrimSpace(v)
	default:
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func toMinorUnits(value any) (int64, bool) {
	switch v := value.(type) {
	case json.Number:
		return parseDecimal(v.String())
	case string:
		return parseDecimal(normalizeAmount(v))
	default:
		return 0, false
	}
}

// normalizeAmount rewrites "R$ 1.234,56" or "1,234.56" style strings into a
// plain dot-decimal number.
func normalizeAmount(value string) string {
	var b strings.Builder
	for _, r := range value {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	s := b.String()

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	return s
}

func parseDecimal(value string) (int64, bool) {
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(math.Round(f * 100)), true
}
