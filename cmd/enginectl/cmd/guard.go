package cmd

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func guardPath(args []string, suffix string) string {
	return "/guard/" + url.PathEscape(args[0]) + "/" + url.PathEscape(args[1]) + suffix
}

func newGuardCmd(opts *options) *cobra.Command {
	guardCmd := &cobra.Command{
		Use:   "guard",
		Short: "Inspect and operate the intraday guard",
		Long: `Inspect and operate the intraday guard of one entity and mode.

Subcommands:
  status    - Show today's guard state
  evaluate  - Run an evaluation now, optionally with threshold overrides
  reset     - Clear a halt and re-baseline equity`,
	}

	statusCmd := &cobra.Command{
		Use:   "status <entity> <mode>",
		Short: "Show today's guard state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, guardPath(args, ""), nil, nil)
		},
	}

	var (
		maxDailyLoss string
		maxDrawdown  string
	)
	evaluateCmd := &cobra.Command{
		Use:   "evaluate <entity> <mode>",
		Short: "Evaluate the guard now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{}
			if maxDailyLoss != "" {
				payload["maxDailyLoss"] = maxDailyLoss
			}
			if maxDrawdown != "" {
				payload["maxDrawdown"] = maxDrawdown
			}
			return call(cmd, opts, http.MethodPost, guardPath(args, "/evaluate"), payload, nil)
		},
	}
	evaluateCmd.Flags().StringVar(&maxDailyLoss, "max-daily-loss", "", "override the daily loss threshold, e.g. -0.02")
	evaluateCmd.Flags().StringVar(&maxDrawdown, "max-drawdown", "", "override the drawdown threshold, e.g. -0.05")

	var operator string
	resetCmd := &cobra.Command{
		Use:   "reset <entity> <mode>",
		Short: "Clear a guard halt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, guardPath(args, "/reset"), map[string]string{"operator": operator}, nil)
		},
	}
	resetCmd.Flags().StringVarP(&operator, "operator", "o", "", "who is resetting the guard")
	_ = resetCmd.MarkFlagRequired("operator")

	guardCmd.AddCommand(statusCmd, evaluateCmd, resetCmd)
	return guardCmd
}
