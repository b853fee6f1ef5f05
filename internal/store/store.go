// Package store is the persistence boundary for validated fiscal records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
	"taxdocs/internal/logger"
	"taxdocs/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS invoices (
	id                TEXT PRIMARY KEY,
	supplier_nif      TEXT,
	supplier_vat      TEXT,
	supplier_name     TEXT,
	document_date     TEXT NOT NULL,
	document_number   TEXT,
	document_type     TEXT,
	atcud             TEXT,
	region            TEXT NOT NULL,
	fiscal_period     TEXT NOT NULL,
	base_exempt       TEXT NOT NULL,
	base_reduced      TEXT NOT NULL,
	base_intermediate TEXT NOT NULL,
	base_standard     TEXT NOT NULL,
	vat_reduced       TEXT NOT NULL,
	vat_intermediate  TEXT NOT NULL,
	vat_standard      TEXT NOT NULL,
	total_vat         TEXT NOT NULL,
	total_amount      TEXT NOT NULL,
	confidence        INTEGER NOT NULL,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoices_atcud ON invoices(atcud);
CREATE INDEX IF NOT EXISTS idx_invoices_supplier_doc ON invoices(supplier_nif, document_number, document_date);
`

// InvoiceStore persists fiscal records in SQLite.
type InvoiceStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (and if needed bootstraps) the invoice database at path.
func Open(path string) (*InvoiceStore, error) {
	const op = "Open"

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open database: %w", op, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: failed to apply schema: %w", op, err)
	}

	return &InvoiceStore{db: db, log: logger.WithComponent("store")}, nil
}

// Close releases the database handle.
func (s *InvoiceStore) Close() error {
	return s.db.Close()
}

// Save persists a record and returns its generated id.
func (s *InvoiceStore) Save(ctx context.Context, inv *models.Invoice) (string, error) {
	const op = "Save"

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (
			id, supplier_nif, supplier_vat, supplier_name,
			document_date, document_number, document_type, atcud,
			region, fiscal_period,
			base_exempt, base_reduced, base_intermediate, base_standard,
			vat_reduced, vat_intermediate, vat_standard,
			total_vat, total_amount, confidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, inv.SupplierNIF, inv.SupplierForeignVAT, inv.SupplierName,
		inv.DocumentDate, inv.DocumentNumber, inv.DocumentType, inv.ATCUD,
		string(inv.Region), inv.FiscalPeriod,
		inv.BaseExempt.StringFixed(2), inv.BaseReduced.StringFixed(2),
		inv.BaseIntermediate.StringFixed(2), inv.BaseStandard.StringFixed(2),
		inv.VATReduced.StringFixed(2), inv.VATIntermediate.StringFixed(2),
		inv.VATStandard.StringFixed(2),
		inv.TotalVAT.StringFixed(2), inv.TotalAmount.StringFixed(2),
		inv.Confidence, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("%s: insert failed: %w", op, err)
	}

	s.log.Info().Str("id", id).Str("document", inv.DocumentNumber).Msg("Record saved")
	return id, nil
}

// FindDuplicate looks for an already-persisted record for the same document.
// Precedence: an exact ATCUD match first, then the (supplier id, document
// number, document date) tuple. Equal monetary totals alone are explicitly
// not a duplicate signal: recurring fixed-amount documents are legitimate
// distinct records.
func (s *InvoiceStore) FindDuplicate(ctx context.Context, supplierID, documentNumber, documentDate, atcud string) (string, bool, error) {
	const op = "FindDuplicate"

	if atcud != "" {
		id, found, err := s.queryID(ctx, `SELECT id FROM invoices WHERE atcud = ? LIMIT 1`, atcud)
		if err != nil {
			return "", false, fmt.Errorf("%s: atcud lookup failed: %w", op, err)
		}
		if found {
			return id, true, nil
		}
	}

	if supplierID == "" || documentNumber == "" || documentDate == "" {
		return "", false, nil
	}

	id, found, err := s.queryID(ctx, `
		SELECT id FROM invoices
		WHERE supplier_nif = ? AND document_number = ? AND document_date = ?
		LIMIT 1`, supplierID, documentNumber, documentDate)
	if err != nil {
		return "", false, fmt.Errorf("%s: tuple lookup failed: %w", op, err)
	}
	return id, found, nil
}

func (s *InvoiceStore) queryID(ctx context.Context, query string, args ...any) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
