// Package reconcile verifies and, where safe, corrects the VAT arithmetic of
// an extracted invoice against the fixed legal rate tables.
package reconcile

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"taxdocs/internal/fiscal"
	"taxdocs/internal/logger"
	"taxdocs/pkg/models"
)

var (
	// lineTolerance absorbs rounding noise on a single rate tier.
	lineTolerance = decimal.NewFromFloat(0.02)

	// docTolerance is looser than the per-tier tolerance: the document total
	// may legitimately include ancillary charges (discounts, shipping) that
	// are not split into bases and VAT.
	docTolerance = decimal.NewFromFloat(0.10)
)

const (
	confidencePenalty = 20
	confidenceFloor   = 10
)

// Result is the outcome of reconciling one invoice.
type Result struct {
	Checks    models.ArithmeticChecks
	Corrected models.Invoice
	Log       []models.Correction
	Warnings  []string
}

// Engine reconciles invoices. It is stateless; a zero-cost value shared
// across goroutines.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine() *Engine {
	return &Engine{log: logger.WithComponent("reconcile")}
}

type tier struct {
	name   string
	field  string
	base   decimal.Decimal
	actual decimal.Decimal
	rate   decimal.Decimal
}

func tiersOf(inv *models.Invoice, rates fiscal.RateTable) []tier {
	return []tier{
		{name: "reduced", field: "vat_reduced", base: inv.BaseReduced, actual: inv.VATReduced, rate: rates.Reduced},
		{name: "intermediate", field: "vat_intermediate", base: inv.BaseIntermediate, actual: inv.VATIntermediate, rate: rates.Intermediate},
		{name: "standard", field: "vat_standard", base: inv.BaseStandard, actual: inv.VATStandard, rate: rates.Standard},
	}
}

func basesSum(inv *models.Invoice) decimal.Decimal {
	return inv.BaseExempt.Add(inv.BaseReduced).Add(inv.BaseIntermediate).Add(inv.BaseStandard)
}

// Reconcile checks the invoice's VAT arithmetic and applies safe corrections.
//
// A failing tier is corrected to its expected VAT only when, after the
// substitution, the recomputed document-level check also passes; a change
// that would trade one inconsistency for another is never applied. Every
// applied correction is logged and lowers the invoice confidence.
// TotalAmount is the legal source of truth and is never corrected.
// Reconciling an already-corrected invoice is a no-op.
func (e *Engine) Reconcile(inv models.Invoice) Result {
	rates := fiscal.Rates(inv.Region)

	res := Result{Corrected: inv}
	res.Checks = e.check(&inv, rates)

	bases := basesSum(&inv)
	totalVAT := inv.TotalVAT

	for i, tc := range res.Checks.Tiers {
		if tc.Pass {
			continue
		}

		// Substitute the expected VAT for this tier and retest the document.
		candidateTotal := totalVAT.Sub(tc.Actual).Add(tc.Expected)
		candidateDelta := bases.Add(candidateTotal).Sub(inv.TotalAmount).Abs()
		if candidateDelta.GreaterThan(docTolerance) {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"IVA %s inconsistente (esperado %s, declarado %s) mas sem correção segura possível",
				tc.Tier, tc.Expected.StringFixed(2), tc.Actual.StringFixed(2)))
			e.log.Warn().
				Str("tier", tc.Tier).
				Str("expected", tc.Expected.StringFixed(2)).
				Str("actual", tc.Actual.StringFixed(2)).
				Msg("Tier check failed, correction would break document total")
			continue
		}

		field := tiersOf(&res.Corrected, rates)[i].field
		res.Log = append(res.Log, models.Correction{
			Field: field,
			From:  tc.Actual.StringFixed(2),
			To:    tc.Expected.StringFixed(2),
		})
		switch tc.Tier {
		case "reduced":
			res.Corrected.VATReduced = tc.Expected
		case "intermediate":
			res.Corrected.VATIntermediate = tc.Expected
		case "standard":
			res.Corrected.VATStandard = tc.Expected
		}
		if !candidateTotal.Equal(totalVAT) {
			res.Log = append(res.Log, models.Correction{
				Field: "total_vat",
				From:  totalVAT.StringFixed(2),
				To:    candidateTotal.StringFixed(2),
			})
		}
		totalVAT = candidateTotal
		res.Corrected.TotalVAT = candidateTotal

		res.Corrected.Confidence -= confidencePenalty
		if res.Corrected.Confidence < confidenceFloor {
			res.Corrected.Confidence = confidenceFloor
		}

		e.log.Info().
			Str("tier", tc.Tier).
			Str("from", tc.Actual.StringFixed(2)).
			Str("to", tc.Expected.StringFixed(2)).
			Int("confidence", res.Corrected.Confidence).
			Msg("Applied VAT correction")
	}

	if !res.Checks.DocPass && len(res.Log) == 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"Total do documento não confere com bases e IVA (diferença %s)",
			res.Checks.DocDelta.StringFixed(2)))
	}

	return res
}

// check computes the per-tier and document-level arithmetic checks without
// mutating anything.
func (e *Engine) check(inv *models.Invoice, rates fiscal.RateTable) models.ArithmeticChecks {
	checks := models.ArithmeticChecks{
		LineTolerance: lineTolerance,
		DocTolerance:  docTolerance,
	}

	for _, t := range tiersOf(inv, rates) {
		expected := t.base.Mul(t.rate).Round(2)
		delta := t.actual.Sub(expected).Abs()
		checks.Tiers = append(checks.Tiers, models.TierCheck{
			Tier:     t.name,
			Base:     t.base,
			Rate:     t.rate,
			Expected: expected,
			Actual:   t.actual,
			Delta:    delta,
			Pass:     t.base.IsZero() || delta.LessThanOrEqual(lineTolerance),
		})
	}

	checks.DocDelta = basesSum(inv).Add(inv.TotalVAT).Sub(inv.TotalAmount).Abs()
	checks.DocPass = checks.DocDelta.LessThanOrEqual(docTolerance)
	return checks
}
