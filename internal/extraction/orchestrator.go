package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"taxdocs/internal/fiscal"
	"taxdocs/internal/logger"
	"taxdocs/pkg/models"
)

// defaultConfidence is assumed when the extraction service does not report a
// confidence of its own.
const defaultConfidence = 70

// SupplierSignature identifies a document class known to span multiple
// billing sections, where per-section line extraction risks partial or
// duplicated VAT lines.
type SupplierSignature struct {
	NIF         string
	NamePattern string
}

// DefaultMultiSectionSignatures lists the known multi-section suppliers
// (electricity/utility invoices with several billing blocks).
var DefaultMultiSectionSignatures = []SupplierSignature{
	{NIF: "503504564", NamePattern: "EDP"},
}

// Config holds the orchestration policy knobs. The fallback envelope bounds
// are policy constants, not hard-coded magic numbers; they were calibrated on
// one document class and must be revalidated before broadening the signature
// list.
type Config struct {
	FallbackMaxDelta decimal.Decimal
	FallbackMaxRatio decimal.Decimal
	MultiSection     []SupplierSignature
}

// DefaultConfig returns the reference orchestration policy.
func DefaultConfig() Config {
	return Config{
		FallbackMaxDelta: decimal.NewFromFloat(25.0),
		FallbackMaxRatio: decimal.NewFromFloat(3.0),
		MultiSection:     DefaultMultiSectionSignatures,
	}
}

// Outcome is the accumulated result of the extraction passes: the merged
// invoice plus every warning and correction gathered along the way. It is
// threaded through the passes by value; the orchestrator holds no per-document
// state.
type Outcome struct {
	Invoice     models.Invoice
	Warnings    []string
	Corrections []models.Correction

	// Regularization is a same-document credit adjustment, tracked separately
	// and explicitly excluded from the reconciled VAT total.
	Regularization decimal.Decimal

	// RawFiscalPeriod is the period the extraction source claimed, surfaced
	// only so the pipeline can warn when the derived period disagrees.
	RawFiscalPeriod string
}

// Orchestrator drives one to three extraction passes for a single document
// and merges their outputs under fixed precedence rules.
type Orchestrator struct {
	svc Service
	cfg Config
	log zerolog.Logger
}

// NewOrchestrator creates a multi-pass extraction orchestrator.
func NewOrchestrator(svc Service, cfg Config) *Orchestrator {
	if len(cfg.MultiSection) == 0 {
		cfg.MultiSection = DefaultMultiSectionSignatures
	}
	return &Orchestrator{
		svc: svc,
		cfg: cfg,
		log: logger.WithComponent("extraction-orchestrator"),
	}
}

// identifierState tracks the supplier identifier across passes.
type identifierState struct {
	Candidate string // 9-digit candidate, possibly checksum-invalid
	Valid     bool
	Foreign   string
}

func (s identifierState) usable() bool {
	return (s.Candidate != "" && s.Valid) || s.Foreign != ""
}

// passPlan is the explicit decision table driving passes 2 and 3. Keeping the
// triggering policy in one auditable value lets it be unit-tested in
// isolation from the network calls.
type passPlan struct {
	RetryIdentifier bool
	RetryReason     string
	Fallback        *SupplierSignature
}

// planPasses decides which refinement passes to run, given the pass-1 result.
func planPasses(ids identifierState, supplierName string, signatures []SupplierSignature) passPlan {
	var plan passPlan

	switch {
	case ids.Candidate == "" && ids.Foreign == "":
		plan.RetryIdentifier = true
		plan.RetryReason = "no usable supplier identifier"
	case ids.Candidate != "" && !ids.Valid && ids.Foreign == "":
		plan.RetryIdentifier = true
		plan.RetryReason = "supplier identifier failed checksum"
	}

	name := strings.ToUpper(supplierName)
	for i, sig := range signatures {
		if sig.NIF != "" && sig.NIF == ids.Candidate && ids.Valid {
			plan.Fallback = &signatures[i]
			break
		}
		if sig.NamePattern != "" && name != "" && strings.Contains(name, strings.ToUpper(sig.NamePattern)) {
			plan.Fallback = &signatures[i]
			break
		}
	}

	return plan
}

// normalizeIdentifiers applies the extraction rules to whichever raw supplier
// identifier fields are present.
func normalizeIdentifiers(ids rawIdentifiers) identifierState {
	var state identifierState

	if candidate, ok := fiscal.ExtractNIF(ids.NIF); ok {
		state.Candidate = candidate
		state.Valid, _ = fiscal.ValidateNIF(candidate)
	} else if foreign, ok := fiscal.ForeignVATID(ids.NIF); ok {
		state.Foreign = foreign
	}

	if state.Foreign == "" {
		if foreign, ok := fiscal.ForeignVATID(ids.ForeignVAT); ok {
			state.Foreign = foreign
		}
	}

	return state
}

// Extract runs the extraction passes for one document.
//
// Pass 1 is mandatory: a malformed reply or service failure there is fatal
// for the document. Passes 2 and 3 are best-effort refinements; their
// failures degrade to warnings, except rate-limit and quota conditions which
// always surface to the caller.
func (o *Orchestrator) Extract(ctx context.Context, doc Document) (Outcome, error) {
	const op = "Extract"

	content, err := o.svc.Complete(ctx, primaryPrompt, doc)
	if err != nil {
		return Outcome{}, WrapExtractionError(op, err, "primary pass")
	}

	payload, err := DecodePayload(content)
	if err != nil {
		return Outcome{}, err
	}

	inv, rawIDs, rawPeriod := invoiceFromPayload(payload)
	// A null or unreadable confidence means the service reported none, not
	// zero trust; the prompt asks for null on absent fields.
	if _, ok := fiscal.ParseAmount(payload["confianca"]); !ok {
		inv.Confidence = defaultConfidence
	}

	out := Outcome{Invoice: inv, RawFiscalPeriod: rawPeriod}
	ids := normalizeIdentifiers(rawIDs)

	plan := planPasses(ids, inv.SupplierName, o.cfg.MultiSection)
	o.log.Debug().
		Bool("retry_identifier", plan.RetryIdentifier).
		Str("retry_reason", plan.RetryReason).
		Bool("fallback", plan.Fallback != nil).
		Msg("Pass plan decided")

	if plan.RetryIdentifier {
		ids = o.identifierRetry(ctx, doc, ids, &out)
		// A recovered identifier may reveal a multi-section supplier the
		// pass-1 data couldn't match, so the fallback trigger is re-evaluated
		// with the merged state.
		if plan.Fallback == nil {
			plan.Fallback = planPasses(ids, inv.SupplierName, o.cfg.MultiSection).Fallback
		}
	}

	if ids.Valid {
		out.Invoice.SupplierNIF = ids.Candidate
	} else if ids.Foreign != "" {
		out.Invoice.SupplierForeignVAT = ids.Foreign
	} else if ids.Candidate != "" {
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"NIF do fornecedor extraído (%s) tem dígito de controlo inválido", ids.Candidate))
	}

	if plan.Fallback != nil {
		if err := o.multiSectionFallback(ctx, doc, &out); err != nil {
			return Outcome{}, err
		}
	}

	return out, nil
}

// identifierRetry is pass 2: a narrower prompt asking only for the tax
// identifiers. Merge precedence: a checksum-valid national id overrides a
// checksum-invalid one from pass 1; a foreign VAT id is used only if pass 1
// had none.
func (o *Orchestrator) identifierRetry(ctx context.Context, doc Document, ids identifierState, out *Outcome) identifierState {
	payload, err := o.refinementPass(ctx, doc, identifierPrompt, "pass 2 (identifier retry)", out)
	if payload == nil || err != nil {
		return ids
	}

	retry := normalizeIdentifiers(rawIdentifiers{
		NIF:        getString(payload, "nif_fornecedor"),
		ForeignVAT: getString(payload, "vat_estrangeiro"),
	})

	if retry.Valid && !ids.Valid {
		o.log.Info().Str("nif", retry.Candidate).Msg("Identifier retry recovered a valid NIF")
		ids.Candidate = retry.Candidate
		ids.Valid = true
	}
	if ids.Foreign == "" && retry.Foreign != "" {
		ids.Foreign = retry.Foreign
	}

	return ids
}

// multiSectionFallback is pass 3: for known multi-section document classes,
// request a single document-wide VAT total instead of per-section lines. The
// fallback value overrides the computed total only when both the absolute
// delta ceiling and the relative ratio ceiling hold.
func (o *Orchestrator) multiSectionFallback(ctx context.Context, doc Document, out *Outcome) error {
	payload, err := o.refinementPass(ctx, doc, fallbackPrompt, "pass 3 (multi-section fallback)", out)
	if payload == nil || err != nil {
		return err
	}

	if fallback, ok := fiscal.ParseAmount(payload["total_iva_documento"]); ok && fallback.IsPositive() {
		current := out.Invoice.TotalVAT
		if o.fallbackWithinEnvelope(current, fallback) {
			if !fallback.Equal(current) {
				out.Corrections = append(out.Corrections, models.Correction{
					Field: "total_vat",
					From:  current.StringFixed(2),
					To:    fallback.StringFixed(2),
				})
				out.Invoice.TotalVAT = fallback
				o.log.Info().
					Str("from", current.StringFixed(2)).
					Str("to", fallback.StringFixed(2)).
					Msg("Multi-section fallback overrode the VAT total")
			}
		} else {
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"Total de IVA alternativo (%s) fora do envelope de sanidade; mantido o valor calculado (%s)",
				fallback.StringFixed(2), current.StringFixed(2)))
		}
	}

	if reg, ok := fiscal.ParseAmount(payload["regularizacao"]); ok &&
		reg.IsPositive() && reg.LessThan(decimal.NewFromInt(50)) {
		out.Regularization = reg
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"Regularização de %s registada à parte e excluída do IVA reconciliado", reg.StringFixed(2)))
	}

	return nil
}

// fallbackWithinEnvelope applies the sanity check that gates a fallback
// override: the absolute delta and, when both values are positive, the
// larger-to-smaller ratio must stay under their ceilings.
func (o *Orchestrator) fallbackWithinEnvelope(current, fallback decimal.Decimal) bool {
	delta := fallback.Sub(current).Abs()
	if delta.GreaterThan(o.cfg.FallbackMaxDelta) {
		return false
	}
	if current.IsPositive() && fallback.IsPositive() {
		hi, lo := current, fallback
		if fallback.GreaterThan(current) {
			hi, lo = fallback, current
		}
		if hi.Div(lo).GreaterThan(o.cfg.FallbackMaxRatio) {
			return false
		}
	}
	return true
}

// refinementPass runs a best-effort pass. Service rate-limit and quota
// conditions propagate; every other failure is reduced to a warning so the
// document proceeds with whatever pass 1 yielded.
func (o *Orchestrator) refinementPass(ctx context.Context, doc Document, prompt, label string, out *Outcome) (map[string]any, error) {
	content, err := o.svc.Complete(ctx, prompt, doc)
	if err != nil {
		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExhausted) {
			return nil, err
		}
		o.log.Warn().Err(err).Str("pass", label).Msg("Refinement pass failed, continuing with pass-1 data")
		out.Warnings = append(out.Warnings, fmt.Sprintf("Passagem adicional de extração falhou (%s)", label))
		return nil, nil
	}

	payload, err := DecodePayload(content)
	if err != nil {
		o.log.Warn().Err(err).Str("pass", label).Msg("Refinement pass returned malformed output")
		out.Warnings = append(out.Warnings, fmt.Sprintf("Passagem adicional de extração ilegível (%s)", label))
		return nil, nil
	}

	return payload, nil
}
