// Package batch runs the single-document pipeline over many files with
// bounded concurrency, retry with backoff, and per-item progress reporting.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"taxdocs/internal/extraction"
	"taxdocs/internal/logger"
	"taxdocs/internal/pipeline"
	"taxdocs/pkg/models"
)

// ErrBatchTooLarge is returned when a submission exceeds the per-batch item cap.
var ErrBatchTooLarge = errors.New("batch exceeds maximum item count")

// Progress milestones per item. Terminal states always report 100.
const (
	progressQueued     = 0
	progressProcessing = 20
	progressExtracted  = 60
	progressPersisting = 85
	progressDone       = 100
)

// Ingestor is the single-document pipeline boundary.
type Ingestor interface {
	Ingest(ctx context.Context, f pipeline.File) models.IngestResult
}

// RecordStore is the persistence boundary gated by the confidence threshold.
type RecordStore interface {
	Save(ctx context.Context, inv *models.Invoice) (string, error)
	FindDuplicate(ctx context.Context, supplierID, documentNumber, documentDate, atcud string) (string, bool, error)
}

// ProgressFunc is invoked at every item state transition. The processor
// routes invocations through a single dispatcher goroutine, so the callback
// never needs to be safe for concurrent use and never blocks a worker.
type ProgressFunc func(id string, item models.QueueItem)

// Config holds the batch processing policy.
type Config struct {
	MaxConcurrency int           // external concurrency ceiling against the extraction service
	MaxRetries     int           // additional attempts per item after the first
	RetryBaseDelay time.Duration // backoff is base * 2^(attempt-1)
	ConfidenceGate int           // records below this confidence are not persisted
	MaxItems       int           // per-submission item cap
}

// DefaultConfig returns the reference batch policy.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 5,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		ConfidenceGate: 50,
		MaxItems:       100,
	}
}

// Processor drives batches through the pipeline. A nil store disables
// persistence (dry run); items then complete unsaved.
type Processor struct {
	ingestor Ingestor
	store    RecordStore
	cfg      Config
	log      zerolog.Logger
}

// NewProcessor creates a batch processor.
func NewProcessor(ingestor Ingestor, store RecordStore, cfg Config) *Processor {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Processor{
		ingestor: ingestor,
		store:    store,
		cfg:      cfg,
		log:      logger.WithComponent("batch"),
	}
}

type progressEvent struct {
	id   string
	item models.QueueItem
}

// Process runs every file through the pipeline with at most MaxConcurrency
// documents in flight. The returned slice matches the input order regardless
// of completion order. Per-item failures never abort the batch; they are
// isolated to that item's entry.
func (p *Processor) Process(ctx context.Context, files []pipeline.File, onProgress ProgressFunc) ([]models.QueueItem, error) {
	const op = "Process"

	if p.cfg.MaxItems > 0 && len(files) > p.cfg.MaxItems {
		return nil, fmt.Errorf("%s: %w: %d items, limit %d", op, ErrBatchTooLarge, len(files), p.cfg.MaxItems)
	}

	items := make([]models.QueueItem, len(files))

	// Single-writer progress dispatch: workers enqueue snapshots, one
	// goroutine invokes the callback, so concurrent items never block on or
	// race over the caller's sink. The buffer is sized for every transition
	// of every item; terminal states are always delivered.
	events := make(chan progressEvent, len(files)*8+8)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for ev := range events {
			if onProgress != nil {
				onProgress(ev.id, ev.item)
			}
		}
	}()

	emit := func(item *models.QueueItem) {
		events <- progressEvent{id: item.ID, item: *item}
	}

	for i := range files {
		items[i] = models.QueueItem{
			ID:       uuid.New().String(),
			Filename: files[i].Name,
			Status:   models.StatusPending,
			Progress: progressQueued,
		}
		emit(&items[i])
	}

	p.log.Info().
		Int("items", len(files)).
		Int("max_concurrency", p.cfg.MaxConcurrency).
		Msg("Starting batch processing")

	jobs := make(chan int, len(files))
	var wg sync.WaitGroup

	workers := p.cfg.MaxConcurrency
	if workers > len(files) {
		workers = len(files)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				p.processItem(ctx, files[idx], &items[idx], emit)
			}
		}()
	}

	for i := range files {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	close(events)
	<-dispatchDone

	completed, failed := 0, 0
	for i := range items {
		if items[i].Status == models.StatusCompleted {
			completed++
		} else {
			failed++
		}
	}
	p.log.Info().
		Int("completed", completed).
		Int("errors", failed).
		Msg("Batch processing finished")

	return items, nil
}

// processItem owns one item's full lifecycle, including retries. Terminal
// states are set exactly once.
func (p *Processor) processItem(ctx context.Context, f pipeline.File, item *models.QueueItem, emit func(*models.QueueItem)) {
	if err := ctx.Err(); err != nil {
		p.fail(item, fmt.Errorf("batch canceled before processing: %w", err), emit)
		return
	}

	item.Status = models.StatusProcessing
	item.Progress = progressProcessing
	emit(item)

	res := p.ingestWithRetry(ctx, f, item)
	if res.Err != nil {
		p.fail(item, res.Err, emit)
		return
	}

	item.Invoice = res.Invoice
	item.Warnings = res.Warnings
	item.Checks = res.Checks
	item.Corrections = res.Corrections
	item.Progress = progressExtracted
	emit(item)

	item.Progress = progressPersisting
	emit(item)
	p.persist(ctx, item, emit)
}

// ingestWithRetry retries transient failures with exponential backoff.
// Preflight rejections and quota exhaustion are terminal immediately: the
// former never consumes a retry, the latter needs an operator, not a retry.
func (p *Processor) ingestWithRetry(ctx context.Context, f pipeline.File, item *models.QueueItem) models.IngestResult {
	var res models.IngestResult
	for attempt := 0; ; attempt++ {
		res = p.ingestor.Ingest(ctx, f)
		if res.Err == nil {
			return res
		}
		if errors.Is(res.Err, pipeline.ErrMalformedInput) ||
			errors.Is(res.Err, pipeline.ErrMissingRequiredField) ||
			errors.Is(res.Err, extraction.ErrQuotaExhausted) {
			return res
		}
		if attempt >= p.cfg.MaxRetries {
			return res
		}

		delay := p.cfg.RetryBaseDelay << attempt
		p.log.Warn().
			Err(res.Err).
			Str("file", f.Name).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Ingestion failed, retrying")

		select {
		case <-ctx.Done():
			res.Err = fmt.Errorf("batch canceled during backoff: %w", ctx.Err())
			return res
		case <-time.After(delay):
		}
	}
}

// persist applies the confidence gate and duplicate check, then commits.
// Items below the gate complete unsaved: the human reviewer keeps the final
// decision.
func (p *Processor) persist(ctx context.Context, item *models.QueueItem, emit func(*models.QueueItem)) {
	inv := item.Invoice

	if inv.Confidence < p.cfg.ConfidenceGate {
		item.Warnings = append(item.Warnings, fmt.Sprintf(
			"Confiança %d abaixo do limiar %d; documento processado mas não gravado",
			inv.Confidence, p.cfg.ConfidenceGate))
		p.complete(item, emit)
		return
	}

	if p.store == nil {
		p.complete(item, emit)
		return
	}

	supplierID := inv.SupplierNIF
	if supplierID == "" {
		supplierID = inv.SupplierForeignVAT
	}
	existing, found, err := p.store.FindDuplicate(ctx, supplierID, inv.DocumentNumber, inv.DocumentDate, inv.ATCUD)
	if err != nil {
		p.fail(item, fmt.Errorf("duplicate lookup failed: %w", err), emit)
		return
	}
	if found {
		item.RecordID = existing
		item.Warnings = append(item.Warnings, fmt.Sprintf(
			"Documento duplicado do registo existente %s; não gravado novamente", existing))
		p.complete(item, emit)
		return
	}

	id, err := p.store.Save(ctx, inv)
	if err != nil {
		p.fail(item, fmt.Errorf("save failed: %w", err), emit)
		return
	}
	item.RecordID = id
	item.Saved = true
	p.complete(item, emit)
}

func (p *Processor) complete(item *models.QueueItem, emit func(*models.QueueItem)) {
	item.Status = models.StatusCompleted
	item.Progress = progressDone
	emit(item)
}

func (p *Processor) fail(item *models.QueueItem, err error, emit func(*models.QueueItem)) {
	item.Status = models.StatusError
	item.Progress = progressDone
	item.Err = err.Error()
	emit(item)
	p.log.Error().
		Err(err).
		Str("file", item.Filename).
		Msg("Item failed")
}
