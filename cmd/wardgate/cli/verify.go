package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wardgate/wardgate/internal/audit"
	"github.com/wardgate/wardgate/internal/storage"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit and receipt hash chains",
	Long: `Walk both hash chains from genesis, recomputing every hash. A mismatch
names the first tampered entry. Exits non-zero if either chain is broken.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dao, err := storage.New(
		storage.WithDatabaseFile(filepath.Join(cfg.DataDir, "wardgate.db")),
		storage.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer dao.Close()

	ctx := context.Background()
	auditReport, err := audit.NewLogger(dao).VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("verifying audit chain: %w", err)
	}
	receiptReport, err := audit.NewReceipts(dao).VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("verifying receipt chain: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]audit.ChainReport{
		"audit":    auditReport,
		"receipts": receiptReport,
	}); err != nil {
		return err
	}

	if !auditReport.Valid || !receiptReport.Valid {
		return fmt.Errorf("chain verification failed")
	}
	return nil
}
