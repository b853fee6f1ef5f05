package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"taxdocs/internal/batch"
	"taxdocs/internal/config"
	"taxdocs/internal/logger"
	"taxdocs/internal/pipeline"
	"taxdocs/internal/store"
	"taxdocs/pkg/models"
)

var batchCmd = &cobra.Command{
	Use:   "batch [folder-path]",
	Short: "Process all fiscal documents in a folder",
	Long: `Process every PDF and image document in a folder through the extraction
and reconciliation pipeline with bounded concurrency, persisting records
that clear the confidence gate.

Items below the confidence gate are reported as completed but left unsaved,
so a human reviewer keeps the final decision.

Required environment variables:
  OPENAI_API_KEY - API key for the extraction service

Optional environment variables:
  OPENAI_MODEL     - Extraction model (default: gpt-4o-mini)
  TAXDOCS_DB       - SQLite database path (default: taxdocs.db)
  BATCH_WORKERS    - Concurrency ceiling (default: 5)
  CONFIDENCE_GATE  - Minimum confidence to auto-persist (default: 50)`,
	Example: `  # Process a folder of scanned invoices
  taxdocs batch ./faturas

  # Process without persisting anything
  taxdocs batch ./faturas --dry-run

  # Raise the concurrency ceiling
  taxdocs batch ./faturas --workers 8`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().Int("workers", 0, "Concurrency ceiling (overrides BATCH_WORKERS)")
	batchCmd.Flags().Bool("dry-run", false, "Process documents but don't persist records")
	batchCmd.Flags().Bool("verbose", false, "Show every progress transition")
}

func runBatch(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("batch-cmd")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	folderPath := args[0]
	workers, _ := cmd.Flags().GetInt("workers")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	verbose, _ := cmd.Flags().GetBool("verbose")

	folderInfo, err := os.Stat(folderPath)
	if err != nil {
		return fmt.Errorf("folder not found: %s", folderPath)
	}
	if !folderInfo.IsDir() {
		return fmt.Errorf("path is not a directory: %s", folderPath)
	}

	files, err := findDocumentFiles(folderPath)
	if err != nil {
		return fmt.Errorf("failed to find document files: %w", err)
	}
	if len(files) == 0 {
		fmt.Println("Nenhum documento encontrado na pasta.")
		return nil
	}

	batchCfg := batch.Config{
		MaxConcurrency: cfg.BatchWorkers,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		ConfidenceGate: cfg.ConfidenceGate,
		MaxItems:       cfg.MaxBatchItems,
	}
	if workers > 0 {
		batchCfg.MaxConcurrency = workers
	}

	log.Info().
		Str("folder", folderPath).
		Int("files", len(files)).
		Int("workers", batchCfg.MaxConcurrency).
		Bool("dry_run", dryRun).
		Msg("Starting batch processing")

	var st *store.InvoiceStore
	if !dryRun {
		st, err = store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Processando %d documentos com %d workers...\n", len(files), batchCfg.MaxConcurrency)
	fmt.Println()

	inputs := make([]pipeline.File, len(files))
	for i, path := range files {
		f, err := loadFile(path)
		if err != nil {
			// Leave the unreadable file to the preflight so it surfaces as a
			// per-item error instead of aborting the batch.
			f = pipeline.File{Name: filepath.Base(path)}
		}
		inputs[i] = f
	}

	processor := newBatchProcessor(cfg, st, batchCfg)

	done := 0
	onProgress := func(id string, item models.QueueItem) {
		if verbose {
			fmt.Printf("  [%s] %s %d%% (%s)\n", item.Status, item.Filename, item.Progress, id)
		}
		if item.Progress == 100 {
			done++
			fmt.Printf("[%d/%d] %s - %s", done, len(files), item.Filename, statusEmoji(item.Status))
			if item.Err != "" {
				fmt.Printf(" (%s)", item.Err)
			} else if item.Invoice != nil {
				fmt.Printf(" (€%s)", item.Invoice.TotalAmount.StringFixed(2))
			}
			fmt.Println()
		}
	}

	items, err := processor.Process(ctx, inputs, onProgress)
	if err != nil {
		return err
	}

	saved, unsaved, failed := 0, 0, 0
	for i := range items {
		switch {
		case items[i].Status == models.StatusError:
			failed++
		case items[i].Saved:
			saved++
		default:
			unsaved++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 40))
	fmt.Println("            RESULTADO")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("Gravados: %d\n", saved)
	if unsaved > 0 {
		fmt.Printf("Concluídos sem gravação: %d\n", unsaved)
	}
	if failed > 0 {
		fmt.Printf("Erros: %d\n", failed)
	}
	fmt.Println(strings.Repeat("=", 70))

	log.Info().
		Int("total", len(items)).
		Int("saved", saved).
		Int("unsaved", unsaved).
		Int("errors", failed).
		Msg("Batch processing completed")

	return nil
}

// newBatchProcessor wires the full stack for batch use. A nil store keeps
// the run dry.
func newBatchProcessor(cfg *config.Config, st *store.InvoiceStore, batchCfg batch.Config) *batch.Processor {
	pipe := newPipeline(cfg)
	if st == nil {
		return batch.NewProcessor(pipe, nil, batchCfg)
	}
	return batch.NewProcessor(pipe, st, batchCfg)
}

// findDocumentFiles finds all accepted document files in the folder.
func findDocumentFiles(folderPath string) ([]string, error) {
	var found []string

	err := filepath.Walk(folderPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(info.Name())) {
		case ".pdf", ".jpg", ".jpeg", ".png", ".webp":
			found = append(found, path)
		}
		return nil
	})

	return found, err
}

func statusEmoji(status models.ItemStatus) string {
	switch status {
	case models.StatusCompleted:
		return "✅"
	case models.StatusError:
		return "❌"
	default:
		return "❓"
	}
}
