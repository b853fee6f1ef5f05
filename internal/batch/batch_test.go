package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taxdocs/internal/extraction"
	"taxdocs/internal/pipeline"
	"taxdocs/pkg/models"
)

// fakeIngestor scripts per-file behavior: fail the first N attempts with a
// given error, then succeed with a canned invoice.
type fakeIngestor struct {
	mu       sync.Mutex
	failures map[string]int
	failErr  error
	attempts map[string]int

	delay func() time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	confidence map[string]int
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{
		failures:   map[string]int{},
		attempts:   map[string]int{},
		confidence: map[string]int{},
	}
}

func (f *fakeIngestor) Ingest(_ context.Context, file pipeline.File) models.IngestResult {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxInFlight.Load()
		if cur <= seen || f.maxInFlight.CompareAndSwap(seen, cur) {
			break
		}
	}

	if f.delay != nil {
		time.Sleep(f.delay())
	}

	f.mu.Lock()
	f.attempts[file.Name]++
	attempt := f.attempts[file.Name]
	remaining := f.failures[file.Name]
	confidence := f.confidence[file.Name]
	f.mu.Unlock()

	if attempt <= remaining {
		return models.IngestResult{Err: f.failErr}
	}

	if confidence == 0 {
		confidence = 90
	}
	return models.IngestResult{
		Success: true,
		Invoice: &models.Invoice{
			SupplierNIF:    "123456789",
			DocumentNumber: "FT " + file.Name,
			DocumentDate:   "2025-01-15",
			FiscalPeriod:   "202501",
			TotalAmount:    decimal.RequireFromString("123.00"),
			Confidence:     confidence,
		},
	}
}

func (f *fakeIngestor) attemptCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}

type fakeStore struct {
	mu         sync.Mutex
	saved      []string
	duplicates map[string]string
	saveErr    error
}

func (s *fakeStore) Save(_ context.Context, inv *models.Invoice) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	id := fmt.Sprintf("rec-%d", len(s.saved)+1)
	s.saved = append(s.saved, inv.DocumentNumber)
	return id, nil
}

func (s *fakeStore) FindDuplicate(_ context.Context, _, documentNumber, _, _ string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.duplicates[documentNumber]; ok {
		return id, true, nil
	}
	return "", false, nil
}

func (s *fakeStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func testFiles(n int) []pipeline.File {
	files := make([]pipeline.File, n)
	for i := range files {
		files[i] = pipeline.File{
			Name:      fmt.Sprintf("doc-%03d.pdf", i),
			MediaType: "application/pdf",
			Data:      []byte("x"),
		}
	}
	return files
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	return cfg
}

func TestProcessPreservesInputOrder(t *testing.T) {
	ing := newFakeIngestor()
	ing.delay = func() time.Duration { return time.Duration(rand.Intn(10)) * time.Millisecond }
	st := &fakeStore{}
	p := NewProcessor(ing, st, fastConfig())

	files := testFiles(20)
	items, err := p.Process(context.Background(), files, nil)
	require.NoError(t, err)
	require.Len(t, items, 20)

	for i, item := range items {
		assert.Equal(t, files[i].Name, item.Filename)
		assert.Equal(t, models.StatusCompleted, item.Status)
		assert.True(t, item.Saved, item.Filename)
	}
	assert.Equal(t, 20, st.savedCount())
}

func TestProcessConcurrencyCeiling(t *testing.T) {
	ing := newFakeIngestor()
	ing.delay = func() time.Duration { return 5 * time.Millisecond }
	cfg := fastConfig()
	cfg.MaxConcurrency = 3
	p := NewProcessor(ing, &fakeStore{}, cfg)

	_, err := p.Process(context.Background(), testFiles(15), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, ing.maxInFlight.Load(), int32(3))
}

func TestProcessRetriesTransientFailures(t *testing.T) {
	ing := newFakeIngestor()
	ing.failures["doc-000.pdf"] = 2
	ing.failErr = errors.New("timeout")
	p := NewProcessor(ing, &fakeStore{}, fastConfig())

	items, err := p.Process(context.Background(), testFiles(1), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, items[0].Status)
	assert.Equal(t, 3, ing.attemptCount("doc-000.pdf"))
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	ing := newFakeIngestor()
	ing.failures["doc-000.pdf"] = 10
	ing.failErr = errors.New("timeout")
	cfg := fastConfig()
	cfg.MaxRetries = 3
	p := NewProcessor(ing, &fakeStore{}, cfg)

	items, err := p.Process(context.Background(), testFiles(1), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusError, items[0].Status)
	// One initial attempt plus exactly MaxRetries additional ones.
	assert.Equal(t, 4, ing.attemptCount("doc-000.pdf"))
	assert.Equal(t, 100, items[0].Progress)
}

func TestProcessTerminalErrorsSkipRetry(t *testing.T) {
	for _, terminal := range []error{
		pipeline.ErrMalformedInput,
		pipeline.ErrMissingRequiredField,
		extraction.ErrQuotaExhausted,
	} {
		ing := newFakeIngestor()
		ing.failures["doc-000.pdf"] = 10
		ing.failErr = terminal
		p := NewProcessor(ing, &fakeStore{}, fastConfig())

		items, err := p.Process(context.Background(), testFiles(1), nil)
		require.NoError(t, err)

		assert.Equal(t, models.StatusError, items[0].Status, terminal.Error())
		assert.Equal(t, 1, ing.attemptCount("doc-000.pdf"), terminal.Error())
	}
}

func TestProcessFailureIsolation(t *testing.T) {
	ing := newFakeIngestor()
	ing.failures["doc-001.pdf"] = 10
	ing.failErr = pipeline.ErrMalformedInput
	st := &fakeStore{}
	p := NewProcessor(ing, st, fastConfig())

	items, err := p.Process(context.Background(), testFiles(3), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, items[0].Status)
	assert.Equal(t, models.StatusError, items[1].Status)
	assert.Equal(t, models.StatusCompleted, items[2].Status)
	assert.Equal(t, 2, st.savedCount())
}

func TestProcessConfidenceGate(t *testing.T) {
	ing := newFakeIngestor()
	ing.confidence["doc-000.pdf"] = 45
	st := &fakeStore{}
	p := NewProcessor(ing, st, fastConfig())

	items, err := p.Process(context.Background(), testFiles(1), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, items[0].Status)
	assert.False(t, items[0].Saved)
	assert.Empty(t, items[0].RecordID)
	assert.Equal(t, 0, st.savedCount())
	require.NotEmpty(t, items[0].Warnings)
	assert.Contains(t, items[0].Warnings[0], "Confiança")
}

func TestProcessDuplicateNotSavedAgain(t *testing.T) {
	ing := newFakeIngestor()
	st := &fakeStore{duplicates: map[string]string{"FT doc-000.pdf": "rec-existing"}}
	p := NewProcessor(ing, st, fastConfig())

	items, err := p.Process(context.Background(), testFiles(1), nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, items[0].Status)
	assert.False(t, items[0].Saved)
	assert.Equal(t, "rec-existing", items[0].RecordID)
	assert.Equal(t, 0, st.savedCount())
}

func TestProcessDryRunWithoutStore(t *testing.T) {
	ing := newFakeIngestor()
	p := NewProcessor(ing, nil, fastConfig())

	items, err := p.Process(context.Background(), testFiles(2), nil)
	require.NoError(t, err)

	for _, item := range items {
		assert.Equal(t, models.StatusCompleted, item.Status)
		assert.False(t, item.Saved)
	}
}

func TestProcessBatchTooLarge(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxItems = 2
	p := NewProcessor(newFakeIngestor(), &fakeStore{}, cfg)

	_, err := p.Process(context.Background(), testFiles(3), nil)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestProcessProgressMilestones(t *testing.T) {
	ing := newFakeIngestor()
	ing.failures["doc-001.pdf"] = 10
	ing.failErr = pipeline.ErrMalformedInput
	p := NewProcessor(ing, &fakeStore{}, fastConfig())

	// The dispatcher serializes callback invocations, so no locking is needed
	// even with concurrent workers.
	progress := map[string][]int{}
	onProgress := func(_ string, item models.QueueItem) {
		progress[item.Filename] = append(progress[item.Filename], item.Progress)
	}

	_, err := p.Process(context.Background(), testFiles(2), onProgress)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 20, 60, 85, 100}, progress["doc-000.pdf"])
	// Failed items still end at 100.
	last := progress["doc-001.pdf"][len(progress["doc-001.pdf"])-1]
	assert.Equal(t, 100, last)
}

func TestProcessCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProcessor(newFakeIngestor(), &fakeStore{}, fastConfig())
	items, err := p.Process(ctx, testFiles(3), nil)
	require.NoError(t, err)

	for _, item := range items {
		assert.Equal(t, models.StatusError, item.Status)
		assert.Equal(t, 100, item.Progress)
	}
}
