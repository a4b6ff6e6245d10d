package cmd

import (
	"fmt"
	"net/http"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newRiskCmd(opts *options) *cobra.Command {
	riskCmd := &cobra.Command{
		Use:   "risk",
		Short: "Read and replace the global risk defaults",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show the global risk defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodGet, "/risk/defaults", nil, nil)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <policy.json>",
		Short: "Replace the global risk defaults from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0]) // #nosec G304 -- operator supplied path.
			if err != nil {
				return fmt.Errorf("read policy: %w", err)
			}
			var policy map[string]any
			if err := json.Unmarshal(raw, &policy); err != nil {
				return fmt.Errorf("policy must be a JSON object: %w", err)
			}
			return call(cmd, opts, http.MethodPut, "/risk/defaults", policy, nil)
		},
	}

	riskCmd.AddCommand(getCmd, setCmd)
	return riskCmd
}
