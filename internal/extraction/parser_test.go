package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadDirect(t *testing.T) {
	payload, err := DecodePayload(`{"nif_fornecedor": "123456789", "total": 123.45}`)
	require.NoError(t, err)
	assert.Equal(t, "123456789", payload["nif_fornecedor"])
	assert.Equal(t, 123.45, payload["total"])
}

func TestDecodePayloadFenced(t *testing.T) {
	content := "Aqui está o resultado:\n```json\n{\"total\": 50}\n```\nEspero que ajude."
	payload, err := DecodePayload(content)
	require.NoError(t, err)
	assert.Equal(t, float64(50), payload["total"])
}

func TestDecodePayloadFencedWithoutLanguage(t *testing.T) {
	content := "```\n{\"total\": 50}\n```"
	payload, err := DecodePayload(content)
	require.NoError(t, err)
	assert.Equal(t, float64(50), payload["total"])
}

func TestDecodePayloadEmbeddedInProse(t *testing.T) {
	content := `O documento foi analisado. {"nif_fornecedor": "123456789", "total": 10} Fim.`
	payload, err := DecodePayload(content)
	require.NoError(t, err)
	assert.Equal(t, "123456789", payload["nif_fornecedor"])
}

func TestDecodePayloadNoJSON(t *testing.T) {
	_, err := DecodePayload("Não foi possível ler o documento.")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedExtraction)
}

func TestDecodePayloadEmpty(t *testing.T) {
	_, err := DecodePayload("")
	assert.ErrorIs(t, err, ErrMalformedExtraction)
}

func TestDecodePayloadSchemaViolation(t *testing.T) {
	// Structured fields with the wrong shape are rejected, not silently coerced.
	_, err := DecodePayload(`{"nif_fornecedor": [1, 2, 3]}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedExtraction)
}

func TestDecodePayloadNumericIdentifier(t *testing.T) {
	// Models sometimes emit the NIF as a JSON number; the schema allows it and
	// coercion happens downstream.
	payload, err := DecodePayload(`{"nif_fornecedor": 123456789}`)
	require.NoError(t, err)
	assert.Equal(t, "123456789", getString(payload, "nif_fornecedor"))
}
