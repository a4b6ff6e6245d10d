package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *options) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Create, execute and inspect rebalance runs",
	}

	var (
		entity  string
		mode    string
		weights []string
		key     string
		policy  string
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run from target weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseWeights(weights)
			if err != nil {
				return err
			}
			payload := map[string]any{
				"entity":        entity,
				"mode":          mode,
				"targetWeights": parsed,
			}
			if strings.TrimSpace(policy) != "" {
				var override map[string]any
				if err := json.Unmarshal([]byte(policy), &override); err != nil {
					return fmt.Errorf("--policy must be a JSON object: %w", err)
				}
				payload["policy"] = override
			}
			return call(cmd, opts, http.MethodPost, "/runs", payload, map[string]string{"Idempotency-Key": key})
		},
	}
	createCmd.Flags().StringVarP(&entity, "entity", "e", "", "account entity")
	createCmd.Flags().StringVarP(&mode, "mode", "m", "paper", "paper or live")
	createCmd.Flags().StringArrayVarP(&weights, "weight", "w", nil, "target weight as SYMBOL=WEIGHT (repeatable)")
	createCmd.Flags().StringVarP(&key, "key", "k", "", "idempotency key")
	createCmd.Flags().StringVar(&policy, "policy", "", `risk policy override as JSON, e.g. '{"maxOrderNotional":20000}'`)
	_ = createCmd.MarkFlagRequired("entity")

	executeCmd := &cobra.Command{
		Use:   "execute <run-id>",
		Short: "Execute a run; repeating it returns the recorded outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, "/runs/"+url.PathEscape(args[0])+"/execute", nil, nil)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run with its orders and risk decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/runs/"+url.PathEscape(args[0]), nil, nil)
		},
	}

	ordersCmd := &cobra.Command{
		Use:   "orders <run-id>",
		Short: "List the orders of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/runs/"+url.PathEscape(args[0])+"/orders", nil, nil)
		},
	}

	runCmd.AddCommand(createCmd, executeCmd, statusCmd, ordersCmd)
	return runCmd
}

func parseWeights(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("at least one --weight is required")
	}
	out := make(map[string]string, len(values))
	for _, value := range values {
		symbol, raw, ok := strings.Cut(value, "=")
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if !ok || symbol == "" {
			return nil, fmt.Errorf("weight %q must look like SYMBOL=WEIGHT", value)
		}
		weight, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", value, err)
		}
		out[symbol] = weight.String()
	}
	return out, nil
}
