package extraction

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var reFencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// payloadSchema is a loose structural constraint on the extraction payload:
// the object shape must be sane, but every field remains optional and is
// coerced individually afterwards. Amount fields may arrive as numbers or
// as noisy strings.
const payloadSchemaJSON = `{
	"type": "object",
	"properties": {
		"nif_fornecedor":   {"type": ["string", "number", "null"]},
		"vat_estrangeiro":  {"type": ["string", "null"]},
		"nome_fornecedor":  {"type": ["string", "null"]},
		"data_documento":   {"type": ["string", "null"]},
		"numero_documento": {"type": ["string", "number", "null"]},
		"tipo_documento":   {"type": ["string", "null"]},
		"atcud":            {"type": ["string", "null"]},
		"regiao":           {"type": ["string", "null"]},
		"periodo_fiscal":   {"type": ["string", "number", "null"]},
		"confianca":        {"type": ["number", "string", "null"]}
	}
}`

var payloadSchema = jsonschema.MustCompileString("payload.json", payloadSchemaJSON)

// DecodePayload recovers a JSON object from a completion reply. Extraction
// models wrap JSON in prose or code fences often enough that three attempts
// are made: direct parse, fenced code block, then the first {...} span in
// the text. If all fail the reply is a fatal ErrMalformedExtraction.
func DecodePayload(content string) (map[string]any, error) {
	const op = "DecodePayload"

	trimmed := strings.TrimSpace(content)

	candidates := []string{trimmed}
	if m := reFencedJSON.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		candidates = append(candidates, trimmed[start:end+1])
	}

	for _, candidate := range candidates {
		payload, ok := tryDecode(candidate)
		if !ok {
			continue
		}
		if err := validatePayload(op, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	return nil, WrapExtractionError(op, ErrMalformedExtraction, "no JSON object recoverable from reply")
}

func tryDecode(s string) (map[string]any, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, false
	}
	return payload, true
}

func validatePayload(op string, payload map[string]any) error {
	if err := payloadSchema.Validate(toPlain(payload)); err != nil {
		return WrapExtractionError(op, ErrMalformedExtraction, err.Error())
	}
	return nil
}

// toPlain re-marshals through encoding/json so the validator sees the exact
// generic value shape it expects.
func toPlain(payload map[string]any) any {
	b, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return payload
	}
	return v
}
