package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardgate/wardgate/internal/ca"
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Print the root CA location and trust instructions",
	Long: `Print the path of the local root CA certificate and per-platform
instructions for trusting it. The CA is created on first use if it does
not exist yet.`,
	RunE: runCA,
}

func init() {
	rootCmd.AddCommand(caCmd)
}

func runCA(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	authority, err := ca.NewAuthority(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("preparing certificate authority: %w", err)
	}

	fmt.Printf("CA certificate: %s\n\n", authority.CAPath())
	for _, line := range authority.TrustInstructions() {
		fmt.Println(line)
	}
	return nil
}
