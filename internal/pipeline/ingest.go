// Package pipeline composes extraction, normalization and reconciliation
// into one end-to-end function per document: raw file in, validated
// structured record plus warnings, checks and corrections out.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"taxdocs/internal/extraction"
	"taxdocs/internal/fiscal"
	"taxdocs/internal/logger"
	"taxdocs/internal/reconcile"
	"taxdocs/pkg/models"
)

const (
	// MaxFileSize is the fixed per-file ceiling (10 MiB).
	MaxFileSize = 10 << 20

	// noIdentifierConfidenceCap bounds the confidence of a record whose
	// supplier could not be identified.
	noIdentifierConfidenceCap = 40
)

// File is one raw input document.
type File struct {
	Name      string
	MediaType string
	Data      []byte
}

// Extractor is the multi-pass extraction boundary consumed by the pipeline.
type Extractor interface {
	Extract(ctx context.Context, doc extraction.Document) (extraction.Outcome, error)
}

// Pipeline turns one raw file into an IngestResult. It is a pure function of
// its input and holds no persistent state, so a single instance is safe for
// concurrent use.
type Pipeline struct {
	extractor Extractor
	engine    *reconcile.Engine
	log       zerolog.Logger
}

// New creates a single-document ingestion pipeline.
func New(extractor Extractor) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		engine:    reconcile.NewEngine(),
		log:       logger.WithComponent("pipeline"),
	}
}

// Preflight rejects a file before any processing: media type outside the
// allow-list or size over the fixed ceiling. A preflight rejection never
// consumes a batch retry.
func Preflight(f File) error {
	const op = "Preflight"

	if len(f.Data) == 0 {
		return WrapIngestError(op, ErrMalformedInput, "empty file")
	}
	if len(f.Data) > MaxFileSize {
		return WrapIngestError(op, ErrMalformedInput,
			fmt.Sprintf("file size %d exceeds limit of %d bytes", len(f.Data), MaxFileSize))
	}
	if f.MediaType != "application/pdf" && !strings.HasPrefix(f.MediaType, "image/") {
		return WrapIngestError(op, ErrMalformedInput,
			fmt.Sprintf("unsupported media type %q", f.MediaType))
	}
	return nil
}

// Ingest processes one document end to end.
func (p *Pipeline) Ingest(ctx context.Context, f File) models.IngestResult {
	const op = "Ingest"

	if err := Preflight(f); err != nil {
		return failure(err)
	}

	p.log.Info().
		Str("file", f.Name).
		Str("media_type", f.MediaType).
		Int("bytes", len(f.Data)).
		Msg("Starting document ingestion")

	out, err := p.extractor.Extract(ctx, extraction.Document{Data: f.Data, MediaType: f.MediaType})
	if err != nil {
		return failure(WrapIngestError(op, err, f.Name))
	}

	inv := out.Invoice
	warnings := out.Warnings
	corrections := out.Corrections

	// Hard-fail conditions: without a document date or a positive legal
	// total, the fiscal math downstream has no basis.
	if inv.DocumentDate == "" {
		return failure(WrapIngestError(op, ErrMissingRequiredField, "document date could not be derived"))
	}
	if !inv.TotalAmount.IsPositive() {
		return failure(WrapIngestError(op, ErrMissingRequiredField, "document total is absent or not positive"))
	}

	period, _ := fiscal.FiscalPeriod(inv.DocumentDate)
	inv.FiscalPeriod = period
	if out.RawFiscalPeriod != "" && out.RawFiscalPeriod != period {
		warnings = append(warnings, fmt.Sprintf(
			"Período fiscal indicado no documento (%s) difere do derivado da data (%s); usado o derivado",
			out.RawFiscalPeriod, period))
	}

	// Soft-fail conditions: proceed, but flag for the human reviewer.
	if inv.SupplierNIF == "" && inv.SupplierForeignVAT == "" {
		if inv.Confidence > noIdentifierConfidenceCap {
			inv.Confidence = noIdentifierConfidenceCap
		}
		warnings = append(warnings, "Sem identificação fiscal do fornecedor; confiança limitada")
	} else if inv.SupplierForeignVAT != "" {
		warnings = append(warnings, fmt.Sprintf(
			"Fornecedor com identificador estrangeiro (%s); rever dedutibilidade manualmente",
			inv.SupplierForeignVAT))
	}

	res := p.engine.Reconcile(inv)
	warnings = append(warnings, res.Warnings...)
	corrections = append(corrections, res.Log...)

	p.log.Info().
		Str("file", f.Name).
		Str("nif", res.Corrected.SupplierNIF).
		Str("date", res.Corrected.DocumentDate).
		Str("total", res.Corrected.TotalAmount.StringFixed(2)).
		Int("confidence", res.Corrected.Confidence).
		Int("warnings", len(warnings)).
		Int("corrections", len(corrections)).
		Msg("Document ingestion completed")

	return models.IngestResult{
		Success:     true,
		Invoice:     &res.Corrected,
		Warnings:    warnings,
		Checks:      &res.Checks,
		Corrections: corrections,
	}
}

func failure(err error) models.IngestResult {
	return models.IngestResult{Success: false, Err: err}
}
