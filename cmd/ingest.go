package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"taxdocs/internal/config"
	"taxdocs/internal/extraction"
	"taxdocs/internal/logger"
	"taxdocs/internal/pipeline"
	"taxdocs/internal/store"
	"taxdocs/pkg/models"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Process a single fiscal document into a structured record",
	Long: `Process one photographed or scanned fiscal document (PDF or image) through
the extraction and reconciliation pipeline and print the resulting record,
warnings and corrections.

Required environment variables:
  OPENAI_API_KEY - API key for the extraction service

Optional environment variables:
  OPENAI_MODEL - Extraction model (default: gpt-4o-mini)
  TAXDOCS_DB   - SQLite database path (default: taxdocs.db)`,
	Example: `  # Process a scanned invoice
  taxdocs ingest ./fatura.pdf

  # Process without persisting the record
  taxdocs ingest ./fatura.jpg --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().Bool("dry-run", false, "Process the document but don't persist the record")
}

func runIngest(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("ingest")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	path := args[0]

	f, err := loadFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pipe := newPipeline(cfg)
	res := pipe.Ingest(ctx, f)
	if !res.Success {
		return fmt.Errorf("ingestion failed: %w", res.Err)
	}

	printInvoice(res.Invoice)
	printNotes(res.Warnings, res.Corrections)

	if dryRun {
		fmt.Println("Dry run: registo não gravado.")
		return nil
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	inv := res.Invoice
	supplierID := inv.SupplierNIF
	if supplierID == "" {
		supplierID = inv.SupplierForeignVAT
	}
	if existing, found, err := st.FindDuplicate(ctx, supplierID, inv.DocumentNumber, inv.DocumentDate, inv.ATCUD); err != nil {
		return err
	} else if found {
		fmt.Printf("Documento duplicado do registo existente %s; não gravado.\n", existing)
		return nil
	}

	id, err := st.Save(ctx, inv)
	if err != nil {
		return err
	}

	log.Info().Str("record_id", id).Msg("Record persisted")
	fmt.Printf("Registo gravado: %s\n", id)
	return nil
}

// newPipeline wires the extraction orchestrator and pipeline from config.
func newPipeline(cfg *config.Config) *pipeline.Pipeline {
	svc := extraction.NewOpenAIService(cfg.OpenAIAPIKey, extraction.CompletionConfig{
		Model:       cfg.OpenAIModel,
		Temperature: cfg.Temperature,
	})

	orchCfg := extraction.DefaultConfig()
	orchCfg.FallbackMaxDelta = decimalFrom(cfg.FallbackMaxDelta)
	orchCfg.FallbackMaxRatio = decimalFrom(cfg.FallbackMaxRatio)

	return pipeline.New(extraction.NewOrchestrator(svc, orchCfg))
}

func decimalFrom(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// loadFile reads a document and resolves its media type from the extension.
func loadFile(path string) (pipeline.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.File{}, fmt.Errorf("failed to read file: %w", err)
	}
	return pipeline.File{
		Name:      filepath.Base(path),
		MediaType: mediaTypeFor(path),
		Data:      data,
	}, nil
}

func mediaTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func printInvoice(inv *models.Invoice) {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Fornecedor: %s", inv.SupplierName)
	if inv.SupplierNIF != "" {
		fmt.Printf(" (NIF %s)", inv.SupplierNIF)
	} else if inv.SupplierForeignVAT != "" {
		fmt.Printf(" (VAT %s)", inv.SupplierForeignVAT)
	}
	fmt.Println()
	fmt.Printf("Documento: %s %s de %s (período %s)\n",
		inv.DocumentType, inv.DocumentNumber, inv.DocumentDate, inv.FiscalPeriod)
	fmt.Printf("Total: %s | IVA: %s | Confiança: %d%%\n",
		inv.TotalAmount.StringFixed(2), inv.TotalVAT.StringFixed(2), inv.Confidence)
	fmt.Println(strings.Repeat("=", 60))
}

func printNotes(warnings []string, corrections []models.Correction) {
	for _, w := range warnings {
		fmt.Printf("  ⚠️  %s\n", w)
	}
	for _, c := range corrections {
		fmt.Printf("  ✏️  %s: %s → %s\n", c.Field, c.From, c.To)
	}
}
