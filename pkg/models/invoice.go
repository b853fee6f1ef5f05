package models

import "github.com/shopspring/decimal"

// FiscalRegion identifies which legal VAT rate table applies to a document.
type FiscalRegion string

const (
	RegionMainland FiscalRegion = "PT"
	RegionAzores   FiscalRegion = "PT-AC"
	RegionMadeira  FiscalRegion = "PT-MA"
)

// Invoice is the structured fiscal record produced for a single document.
//
// TotalAmount is the legal document total and is treated as ground truth:
// the reconciliation engine never rewrites it. FiscalPeriod is always derived
// from DocumentDate, never taken verbatim from extraction output.
type Invoice struct {
	// Supplier identification. At most one of SupplierNIF and
	// SupplierForeignVAT is authoritative for a given document.
	SupplierNIF        string
	SupplierForeignVAT string
	SupplierName       string

	DocumentDate   string // normalized YYYY-MM-DD, never a due/banking date
	DocumentNumber string
	DocumentType   string
	ATCUD          string

	// Tax bases per tier. Exempt has no corresponding VAT amount.
	BaseExempt       decimal.Decimal
	BaseReduced      decimal.Decimal
	BaseIntermediate decimal.Decimal
	BaseStandard     decimal.Decimal

	VATReduced      decimal.Decimal
	VATIntermediate decimal.Decimal
	VATStandard     decimal.Decimal

	TotalVAT    decimal.Decimal
	TotalAmount decimal.Decimal

	Region       FiscalRegion
	FiscalPeriod string // YYYYMM, derived from DocumentDate

	Confidence int // 0-100
}

// TierCheck is the expected-vs-actual comparison for one VAT rate tier.
type TierCheck struct {
	Tier     string
	Base     decimal.Decimal
	Rate     decimal.Decimal
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Delta    decimal.Decimal
	Pass     bool
}

// ArithmeticChecks holds the per-tier and document-level verification results
// produced by the reconciliation engine, together with the tolerances used.
type ArithmeticChecks struct {
	Tiers         []TierCheck
	DocDelta      decimal.Decimal
	DocPass       bool
	LineTolerance decimal.Decimal
	DocTolerance  decimal.Decimal
}

// Correction records a value the pipeline changed from what the source
// implied. Corrections are always surfaced, never applied silently.
type Correction struct {
	Field string
	From  string
	To    string
}

// IngestResult is the terminal outcome of processing one document.
type IngestResult struct {
	Success     bool
	Invoice     *Invoice
	Warnings    []string
	Checks      *ArithmeticChecks
	Corrections []Correction
	Err         error
}

// ItemStatus is the lifecycle state of a batch queue item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusError      ItemStatus = "error"
)

// QueueItem wraps one raw file through the batch lifecycle. The batch
// orchestrator exclusively owns its state transitions; terminal states are
// set exactly once and reported through the progress callback.
type QueueItem struct {
	ID       string
	Filename string
	Status   ItemStatus
	Progress int // 0-100

	Invoice     *Invoice
	Warnings    []string
	Checks      *ArithmeticChecks
	Corrections []Correction

	Err string

	// RecordID is the persisted-record correlation id once committed.
	RecordID string
	Saved    bool
}
