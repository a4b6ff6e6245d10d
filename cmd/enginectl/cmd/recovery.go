package cmd

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newRecoveryCmd(opts *options) *cobra.Command {
	recoveryCmd := &cobra.Command{
		Use:   "recovery",
		Short: "Run recovery sweeps and read the audit trail",
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodPost, "/recovery/sweep", nil, nil)
		},
	}

	var (
		orderID string
		limit   int
	)
	attemptsCmd := &cobra.Command{
		Use:   "attempts",
		Short: "List recovery attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if orderID != "" {
				query.Set("orderId", orderID)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			path := "/recovery/attempts"
			if encoded := query.Encode(); encoded != "" {
				path += "?" + encoded
			}
			return call(cmd, opts, http.MethodGet, path, nil, nil)
		},
	}
	attemptsCmd.Flags().StringVar(&orderID, "order", "", "only attempts for this order id")
	attemptsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum attempts to list")

	recoveryCmd.AddCommand(sweepCmd, attemptsCmd)
	return recoveryCmd
}
