package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/adcp_webhooks/internal/admin"
)

// breakerCmd represents the breaker command
var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and reset destination circuit breakers",
}

var getBreakerCmd = &cobra.Command{
	Use:   "get [destination-url]",
	Short: "Show the circuit breaker for a destination",
	Long: `Show the circuit breaker state for a destination URL.

Example:
  adcpctl breaker get https://buyer.example/hook`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp admin.BreakerResponse
		if err := callAPI(http.MethodGet, "/v1/breakers?url="+url.QueryEscape(args[0]), &resp); err != nil {
			return fmt.Errorf("failed to get breaker: %w", err)
		}
		return printBreaker(cmd.OutOrStdout(), resp)
	},
}

var resetBreakerCmd = &cobra.Command{
	Use:   "reset [destination-url]",
	Short: "Force a destination's circuit breaker closed",
	Long: `Force the circuit breaker for a destination back to CLOSED. Requires a
token with the webhooks:admin scope.

Example:
  adcpctl breaker reset https://buyer.example/hook`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp admin.BreakerResponse
		if err := callAPI(http.MethodPost, "/v1/breakers/reset?url="+url.QueryEscape(args[0]), &resp); err != nil {
			return fmt.Errorf("failed to reset breaker: %w", err)
		}
		return printBreaker(cmd.OutOrStdout(), resp)
	},
}

func printBreaker(w io.Writer, resp admin.BreakerResponse) error {
	if outputJSON {
		return printOutput(w, resp)
	}
	fmt.Fprintf(w, "Destination: %s\n", resp.URL)
	fmt.Fprintf(w, "  State: %s\n", resp.State)
	fmt.Fprintf(w, "  Consecutive failures: %d\n", resp.ConsecutiveFailures)
	if resp.OpenedAt != nil {
		fmt.Fprintf(w, "  Opened: %s (%s ago)\n", resp.OpenedAt.Format(time.RFC3339), time.Since(*resp.OpenedAt).Truncate(time.Second))
	}
	if resp.TrialSuccesses > 0 {
		fmt.Fprintf(w, "  Trial successes: %d\n", resp.TrialSuccesses)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(getBreakerCmd)
	breakerCmd.AddCommand(resetBreakerCmd)
}
