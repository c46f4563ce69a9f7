package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wardgate/wardgate/internal/domain"
	"github.com/wardgate/wardgate/internal/intercept"
	"github.com/wardgate/wardgate/internal/policy"
	"github.com/wardgate/wardgate/internal/ratelimit"
	"github.com/wardgate/wardgate/internal/secrets"
	"github.com/wardgate/wardgate/internal/storage"
)

var (
	checkURL    string
	checkMethod string
	checkAgent  string
	checkBody   string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a policy decision without a running proxy",
	Long: `Evaluate what decision a request would receive under the active policy
set. Nothing is persisted; useful for testing and debugging policy rules.`,
	Example: `  wardgate check --url https://api.github.com/user
  wardgate check --url https://api.evil.example/x --method POST --body '{"key":"AKIA..."}'`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkURL, "url", "", "request URL to evaluate")
	checkCmd.Flags().StringVar(&checkMethod, "method", "GET", "HTTP method")
	checkCmd.Flags().StringVar(&checkAgent, "agent", "wardgate-check", "agent name to evaluate as")
	checkCmd.Flags().StringVar(&checkBody, "body", "", "request body")
	_ = checkCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := policy.NewStore(cfg.PoliciesDir, logger)
	if err := store.Load(); err != nil {
		return err
	}

	anomalies, err := policy.NewAnomalyRules(cfg.RulesDir)
	if err != nil {
		return fmt.Errorf("loading anomaly rules: %w", err)
	}

	// Throwaway database so a dry run leaves no trace in the real ledger.
	tmp, err := os.MkdirTemp("", "wardgate-check-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	dao, err := storage.New(
		storage.WithDatabaseFile(filepath.Join(tmp, "check.db")),
		storage.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("opening scratch storage: %w", err)
	}
	defer dao.Close()

	interceptor := intercept.New(intercept.Config{
		Logger:    logger,
		Policies:  store,
		Domains:   domain.NewLedger(dao, store),
		Limiter:   ratelimit.NewLimiter(),
		Scanner:   secrets.NewScanner(logger),
		Anomalies: anomalies,
		DAO:       dao,
	})

	result, err := interceptor.Intercept(context.Background(), intercept.Input{
		Method: checkMethod,
		URL:    checkURL,
		Headers: map[string]string{
			"x-wardgate-agent-name": checkAgent,
		},
		Body: []byte(checkBody),
	})
	if err != nil {
		return fmt.Errorf("evaluating request: %w", err)
	}

	manifest := result.Manifest
	output := struct {
		Action       string   `json:"action"`
		Reason       string   `json:"reason"`
		RuleID       string   `json:"rule_id,omitempty"`
		ThreatScore  float64  `json:"threat_score"`
		DomainStatus string   `json:"domain_status"`
		FirstContact bool     `json:"first_contact"`
		Secrets      int      `json:"secrets_detected"`
		RiskFactors  []string `json:"risk_factors,omitempty"`
	}{
		Action:       string(result.Action),
		Reason:       manifest.Decision.Reason,
		RuleID:       manifest.Decision.PolicyRuleID,
		ThreatScore:  manifest.Risk.ThreatScore,
		DomainStatus: string(manifest.Where.DomainStatus),
		FirstContact: manifest.Where.IsFirstContact,
		Secrets:      len(manifest.Why.SecretsDetected),
		RiskFactors:  manifest.Risk.Factors,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
