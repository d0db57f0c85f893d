package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-billing/internal/billing"
	"github.com/rcourtman/pulse-billing/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:     "billingd",
	Short:   "Pulse billing - subscription reconciliation and entitlement service",
	Long:    `Reconciles Stripe webhook events into licenses and answers entitlement checks for Pulse services.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return billing.Run(cmd.Context(), Version)
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing HTTP service (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return billing.Run(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "billingd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Manage the plan catalog",
}

var plansImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import plans from a YAML catalog, replacing plans with the same id",
	Long: `Import plans from a YAML catalog file.

Existing plans with the same id are replaced. Running services pick up the
change once their plan cache entry expires or is invalidated.

Example:
  billingd plans import /etc/pulse/plans.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := billing.ImportPlans(cmd.Context(), dataDir, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d plan(s)\n", n)
		return nil
	},
}

var rolloverLicenseID string

var rolloverCmd = &cobra.Command{
	Use:   "rollover",
	Short: "Reset usage counters for licenses whose period ended",
	Long: `Roll licenses over to a new usage period.

Without --license every license whose period has ended and that no provider
subscription renews is rolled over. With --license only that license is rolled
over, regardless of its period.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := billing.Rollover(cmd.Context(), dataDir, strings.TrimSpace(rolloverLicenseID))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled over %d license(s)\n", n)
		return nil
	},
}

func defaultDataDir() string {
	if v := strings.TrimSpace(os.Getenv("BILLING_DATA_DIR")); v != "" {
		return v
	}
	return "/data"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "billing data directory (maintenance commands)")
	rolloverCmd.Flags().StringVar(&rolloverLicenseID, "license", "", "roll over a single license by id")

	plansCmd.AddCommand(plansImportCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(plansCmd)
	rootCmd.AddCommand(rolloverCmd)
}

func main() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billing",
	})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
