package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-fleet/internal/audit"
	"github.com/nerrad567/gray-logic-fleet/internal/identity"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fleet/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-fleet/internal/provisioning"
	"github.com/nerrad567/gray-logic-fleet/internal/rules"
)

// ─── migrate ───────────────────────────────────────────────────────

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Apply pending database migrations and exit",
	GroupID: "admin",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		log := logging.New(cfg.Logging, version)

		db, err := openDatabase(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck // Exiting

		applied, pending, err := db.GetMigrationStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading migration status: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d migrations applied, %d pending\n", len(applied), len(pending))
		return nil
	},
}

// ─── claim create ──────────────────────────────────────────────────

var (
	claimType   string
	claimPolicy string
	claimKey    string
	claimTTL    time.Duration
)

var claimCmd = &cobra.Command{
	Use:     "claim",
	Short:   "Manage provisioning claims",
	GroupID: "admin",
}

var claimCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a claim for one device key and print its token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPEM, err := os.ReadFile(claimKey)
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}

		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		log := logging.New(cfg.Logging, version)

		db, err := openDatabase(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck // Exiting

		issuer := provisioning.NewIssuer(identity.NewStore(db.DB), cfg.Security.ClaimSecret, cfg.GetClaimTTL())
		claim, err := issuer.CreateClaim(cmd.Context(), provisioning.ClaimRequest{
			ThingType:    claimType,
			PolicyID:     claimPolicy,
			PublicKeyPEM: string(keyPEM),
			TTL:          claimTTL,
		})
		if err != nil {
			return fmt.Errorf("creating claim: %w", err)
		}

		entry := &audit.Entry{
			Action:     audit.ActionClaim,
			EntityType: audit.EntityClaim,
			EntityID:   claim.ID,
			Source:     audit.SourceCLI,
			Details:    map[string]any{"thing_type": claim.ThingType, "policy_id": claim.PolicyID},
		}
		if err := audit.NewStore(db.DB).Record(cmd.Context(), entry); err != nil {
			log.Warn("recording audit entry", "error", err)
		}
		return printJSON(cmd.OutOrStdout(), claim)
	},
}

func init() {
	claimCreateCmd.Flags().StringVar(&claimType, "type", "", "thing type (required)")
	claimCreateCmd.Flags().StringVar(&claimPolicy, "policy", "", "policy id (default \""+identity.DefaultPolicyID+"\")")
	claimCreateCmd.Flags().StringVar(&claimKey, "key", "", "PEM public key, certificate or CSR file (required)")
	claimCreateCmd.Flags().DurationVar(&claimTTL, "ttl", 0, "claim lifetime (default security.claim_ttl)")
	_ = claimCreateCmd.MarkFlagRequired("type")
	_ = claimCreateCmd.MarkFlagRequired("key")
	claimCmd.AddCommand(claimCreateCmd)
}

// ─── rules validate ────────────────────────────────────────────────

var rulesCmd = &cobra.Command{
	Use:     "rules",
	Short:   "Work with rule-set documents",
	GroupID: "admin",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse, validate and compile a rule-set document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateRules(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}

// validateRules reports structural errors as a failure and predicate
// problems as warnings, matching what the router would do on load.
func validateRules(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}
	rs, err := rules.Parse(data)
	if err != nil {
		return err
	}
	snap, err := rules.Compile(rs)
	if err != nil {
		return err
	}

	for _, p := range snap.Problems() {
		fmt.Fprintf(w, "warning: %v (rule will be skipped)\n", p)
	}
	fmt.Fprintf(w, "%s: %d rules, %d routable\n", path, len(rs.Rules), snap.Len()-len(snap.Problems()))
	return nil
}

// ─── version ───────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print build information",
	GroupID: "admin",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fleetd %s (commit %s, built %s)\n", version, commit, date)
	},
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
