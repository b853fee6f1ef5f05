package extraction

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"taxdocs/internal/fiscal"
	"taxdocs/pkg/models"
)

// rawIdentifiers carries the supplier-identifier fields exactly as the
// extraction service returned them, before normalization and validation.
type rawIdentifiers struct {
	NIF        string
	ForeignVAT string
}

// invoiceFromPayload coerces the untyped pass-1 payload into an Invoice,
// field by field. No field presence or type is trusted; unparseable values
// are dropped rather than guessed. The extraction-supplied fiscal period, if
// any, is returned separately and never written to the invoice.
func invoiceFromPayload(payload map[string]any) (models.Invoice, rawIdentifiers, string) {
	inv := models.Invoice{
		SupplierName:   getString(payload, "nome_fornecedor"),
		DocumentNumber: getString(payload, "numero_documento"),
		DocumentType:   getString(payload, "tipo_documento"),
		ATCUD:          getString(payload, "atcud"),
		Region:         fiscal.ParseRegion(getString(payload, "regiao")),
		Confidence:     getConfidence(payload, "confianca"),
	}

	if date, ok := fiscal.NormalizeDate(getString(payload, "data_documento")); ok {
		inv.DocumentDate = date
	}

	inv.BaseExempt = getAmount(payload, "base_isenta")
	inv.BaseReduced = getAmount(payload, "base_reduzida")
	inv.BaseIntermediate = getAmount(payload, "base_intermedia")
	inv.BaseStandard = getAmount(payload, "base_normal")
	inv.VATReduced = getAmount(payload, "iva_reduzido")
	inv.VATIntermediate = getAmount(payload, "iva_intermedio")
	inv.VATStandard = getAmount(payload, "iva_normal")
	inv.TotalVAT = getAmount(payload, "total_iva")
	inv.TotalAmount = getAmount(payload, "total")

	if inv.TotalVAT.IsZero() {
		derived := inv.VATReduced.Add(inv.VATIntermediate).Add(inv.VATStandard)
		if !derived.IsZero() {
			inv.TotalVAT = derived
		}
	}

	ids := rawIdentifiers{
		NIF:        getString(payload, "nif_fornecedor"),
		ForeignVAT: getString(payload, "vat_estrangeiro"),
	}

	return inv, ids, getString(payload, "periodo_fiscal")
}

// getString safely extracts a string value, coercing numbers since extraction
// output occasionally returns numeric document identifiers.
func getString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

func getAmount(payload map[string]any, key string) decimal.Decimal {
	amount, ok := fiscal.ParseAmount(payload[key])
	if !ok {
		return decimal.Zero
	}
	return amount
}

// getConfidence accepts either an integer percentage or a 0-1 fraction.
func getConfidence(payload map[string]any, key string) int {
	amount, ok := fiscal.ParseAmount(payload[key])
	if !ok {
		return 0
	}
	f, _ := amount.Float64()
	if f > 0 && f <= 1 {
		f *= 100
	}
	switch {
	case f < 0:
		return 0
	case f > 100:
		return 100
	default:
		return int(math.Round(f))
	}
}
