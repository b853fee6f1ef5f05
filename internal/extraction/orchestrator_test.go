package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService replays canned replies per prompt so each pass can be steered
// independently.
type fakeService struct {
	primary    string
	primaryErr error
	identifier string
	identErr   error
	fallback   string
	fallErr    error

	calls []string
}

func (f *fakeService) Complete(_ context.Context, instruction string, _ Document) (string, error) {
	switch instruction {
	case primaryPrompt:
		f.calls = append(f.calls, "primary")
		return f.primary, f.primaryErr
	case identifierPrompt:
		f.calls = append(f.calls, "identifier")
		return f.identifier, f.identErr
	case fallbackPrompt:
		f.calls = append(f.calls, "fallback")
		return f.fallback, f.fallErr
	}
	return "", errors.New("unexpected prompt")
}

func testDoc() Document {
	return Document{Data: []byte("fake"), MediaType: "application/pdf"}
}

const cleanPrimaryReply = `{
	"nif_fornecedor": "123456789",
	"nome_fornecedor": "Fornecedor Exemplo Lda",
	"data_documento": "2025-01-15",
	"numero_documento": "FT 2025/42",
	"base_normal": 100.0,
	"iva_normal": 23.0,
	"total_iva": 23.0,
	"total": 123.0,
	"confianca": 90
}`

func TestExtractSinglePass(t *testing.T) {
	svc := &fakeService{primary: cleanPrimaryReply}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	assert.Equal(t, []string{"primary"}, svc.calls)
	assert.Equal(t, "123456789", out.Invoice.SupplierNIF)
	assert.Empty(t, out.Invoice.SupplierForeignVAT)
	assert.Equal(t, "2025-01-15", out.Invoice.DocumentDate)
	assert.Equal(t, 90, out.Invoice.Confidence)
	assert.Empty(t, out.Warnings)
	assert.Empty(t, out.Corrections)
}

func TestExtractDefaultConfidence(t *testing.T) {
	tests := []struct {
		name    string
		primary string
	}{
		{"key absent", `{"nif_fornecedor": "123456789", "total": 10.0}`},
		{"explicit null", `{"nif_fornecedor": "123456789", "total": 10.0, "confianca": null}`},
		{"unreadable", `{"nif_fornecedor": "123456789", "total": 10.0, "confianca": "alta"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{primary: tt.primary}
			o := NewOrchestrator(svc, DefaultConfig())

			out, err := o.Extract(context.Background(), testDoc())
			require.NoError(t, err)
			assert.Equal(t, defaultConfidence, out.Invoice.Confidence)
		})
	}
}

func TestExtractPrimaryFailureFatal(t *testing.T) {
	svc := &fakeService{primaryErr: errors.New("connection reset")}
	o := NewOrchestrator(svc, DefaultConfig())

	_, err := o.Extract(context.Background(), testDoc())
	require.Error(t, err)
	assert.Equal(t, []string{"primary"}, svc.calls)
}

func TestExtractPrimaryMalformedFatal(t *testing.T) {
	svc := &fakeService{primary: "sem dados"}
	o := NewOrchestrator(svc, DefaultConfig())

	_, err := o.Extract(context.Background(), testDoc())
	assert.ErrorIs(t, err, ErrMalformedExtraction)
}

func TestExtractIdentifierRetryRecovers(t *testing.T) {
	svc := &fakeService{
		// Checksum-invalid NIF triggers the identifier retry.
		primary:    `{"nif_fornecedor": "123456788", "total": 10.0}`,
		identifier: `{"nif_fornecedor": "123456789"}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	assert.Equal(t, []string{"primary", "identifier"}, svc.calls)
	assert.Equal(t, "123456789", out.Invoice.SupplierNIF)
	assert.Empty(t, out.Warnings)
}

func TestExtractIdentifierRetryStillInvalid(t *testing.T) {
	svc := &fakeService{
		primary:    `{"nif_fornecedor": "123456788", "total": 10.0}`,
		identifier: `{"nif_fornecedor": "123456788"}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	// The invalid candidate is never written to the record.
	assert.Empty(t, out.Invoice.SupplierNIF)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[0], "123456788")
}

func TestExtractIdentifierRetryFailureDegrades(t *testing.T) {
	svc := &fakeService{
		primary:  `{"total": 10.0}`,
		identErr: errors.New("timeout"),
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	assert.Empty(t, out.Invoice.SupplierNIF)
	assert.NotEmpty(t, out.Warnings)
}

func TestExtractForeignSupplier(t *testing.T) {
	svc := &fakeService{
		primary: `{"vat_estrangeiro": "FR12345678901", "total": 10.0}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	assert.Empty(t, out.Invoice.SupplierNIF)
	assert.Equal(t, "FR12345678901", out.Invoice.SupplierForeignVAT)
	// A foreign id is usable; no identifier retry fires.
	assert.Equal(t, []string{"primary"}, svc.calls)
}

func TestExtractQuotaErrorPropagatesFromRefinement(t *testing.T) {
	svc := &fakeService{
		primary:  `{"total": 10.0}`,
		identErr: ErrQuotaExhausted,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	_, err := o.Extract(context.Background(), testDoc())
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func multiSectionReply(totalVAT string) string {
	return `{
		"nif_fornecedor": "503504564",
		"nome_fornecedor": "EDP Comercial",
		"data_documento": "2025-01-15",
		"base_normal": 130.0,
		"iva_normal": ` + totalVAT + `,
		"total_iva": ` + totalVAT + `,
		"total": 160.0,
		"confianca": 80
	}`
}

func TestExtractMultiSectionFallbackAccepted(t *testing.T) {
	svc := &fakeService{
		primary:  multiSectionReply("20.0"),
		fallback: `{"total_iva_documento": 29.9}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	assert.Equal(t, []string{"primary", "fallback"}, svc.calls)
	assert.Equal(t, "29.90", out.Invoice.TotalVAT.StringFixed(2))
	require.Len(t, out.Corrections, 1)
	assert.Equal(t, "total_vat", out.Corrections[0].Field)
	assert.Equal(t, "20.00", out.Corrections[0].From)
	assert.Equal(t, "29.90", out.Corrections[0].To)
}

func TestExtractMultiSectionFallbackDeltaRejected(t *testing.T) {
	svc := &fakeService{
		primary:  multiSectionReply("20.0"),
		fallback: `{"total_iva_documento": 60.0}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	assert.Equal(t, "20.00", out.Invoice.TotalVAT.StringFixed(2))
	assert.Empty(t, out.Corrections)
	assert.NotEmpty(t, out.Warnings)
}

func TestExtractMultiSectionFallbackRatioRejected(t *testing.T) {
	svc := &fakeService{
		primary:  multiSectionReply("5.0"),
		fallback: `{"total_iva_documento": 20.0}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	// Delta 15 is under the ceiling but the 4x ratio is not.
	assert.Equal(t, "5.00", out.Invoice.TotalVAT.StringFixed(2))
	assert.Empty(t, out.Corrections)
	assert.NotEmpty(t, out.Warnings)
}

func TestExtractFallbackAfterIdentifierRecovery(t *testing.T) {
	// Pass 1 yields neither an identifier nor a recognizable supplier name;
	// pass 2 recovers a NIF on the multi-section list, which must still
	// trigger the document-wide VAT fallback.
	svc := &fakeService{
		primary: `{
			"nome_fornecedor": "Comercializadora de Energia",
			"data_documento": "2025-01-15",
			"base_normal": 130.0,
			"iva_normal": 20.0,
			"total_iva": 20.0,
			"total": 160.0,
			"confianca": 80
		}`,
		identifier: `{"nif_fornecedor": "503504564"}`,
		fallback:   `{"total_iva_documento": 29.9}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	assert.Equal(t, []string{"primary", "identifier", "fallback"}, svc.calls)
	assert.Equal(t, "503504564", out.Invoice.SupplierNIF)
	assert.Equal(t, "29.90", out.Invoice.TotalVAT.StringFixed(2))
	require.Len(t, out.Corrections, 1)
	assert.Equal(t, "total_vat", out.Corrections[0].Field)
}

func TestExtractRegularizationTracked(t *testing.T) {
	svc := &fakeService{
		primary:  multiSectionReply("20.0"),
		fallback: `{"total_iva_documento": 20.0, "regularizacao": 12.5}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	assert.Equal(t, "12.50", out.Regularization.StringFixed(2))
	// Matching fallback total means no correction, only the regularization note.
	assert.Empty(t, out.Corrections)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[0], "Regularização")
}

func TestExtractRegularizationOutOfRangeIgnored(t *testing.T) {
	svc := &fakeService{
		primary:  multiSectionReply("20.0"),
		fallback: `{"total_iva_documento": 20.0, "regularizacao": 75.0}`,
	}
	o := NewOrchestrator(svc, DefaultConfig())

	out, err := o.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	assert.True(t, out.Regularization.IsZero())
}

func TestPlanPasses(t *testing.T) {
	signatures := DefaultMultiSectionSignatures

	tests := []struct {
		name      string
		ids       identifierState
		supplier  string
		wantRetry bool
		wantFall  bool
	}{
		{"valid nif", identifierState{Candidate: "123456789", Valid: true}, "Loja", false, false},
		{"no identifier at all", identifierState{}, "Loja", true, false},
		{"invalid checksum", identifierState{Candidate: "123456788"}, "Loja", true, false},
		{"invalid checksum but foreign present", identifierState{Candidate: "123456788", Foreign: "FR12345678901"}, "Loja", false, false},
		{"foreign only", identifierState{Foreign: "FR12345678901"}, "Loja", false, false},
		{"multi-section by nif", identifierState{Candidate: "503504564", Valid: true}, "", false, true},
		{"multi-section by name", identifierState{Candidate: "123456789", Valid: true}, "EDP Comercial SA", false, true},
		{"multi-section name case-insensitive", identifierState{}, "edp comercial", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planPasses(tt.ids, tt.supplier, signatures)
			assert.Equal(t, tt.wantRetry, plan.RetryIdentifier)
			assert.Equal(t, tt.wantFall, plan.Fallback != nil)
		})
	}
}

func TestNormalizeIdentifiers(t *testing.T) {
	// National id wins over the foreign field when both arrive.
	state := normalizeIdentifiers(rawIdentifiers{NIF: "PT123456789", ForeignVAT: "FR12345678901"})
	assert.Equal(t, "123456789", state.Candidate)
	assert.True(t, state.Valid)

	// A checksum-invalid candidate is kept as a candidate, not promoted.
	state = normalizeIdentifiers(rawIdentifiers{NIF: "123456788"})
	assert.Equal(t, "123456788", state.Candidate)
	assert.False(t, state.Valid)
	assert.False(t, state.usable())

	// Foreign id in the national field is rerouted.
	state = normalizeIdentifiers(rawIdentifiers{NIF: "FR12345678901"})
	assert.Empty(t, state.Candidate)
	assert.Equal(t, "FR12345678901", state.Foreign)
	assert.True(t, state.usable())
}
