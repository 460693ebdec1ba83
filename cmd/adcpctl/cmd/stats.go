package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/austindbirch/adcp_webhooks/internal/admin"
)

var (
	stateOpen     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	stateHalfOpen = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-destination queue, retry and breaker stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp admin.StatsResponse
		if err := callAPI(http.MethodGet, "/v1/stats", &resp); err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		if outputJSON {
			return printOutput(cmd.OutOrStdout(), resp)
		}
		printStats(cmd.OutOrStdout(), resp)
		return nil
	},
}

func printStats(w io.Writer, resp admin.StatsResponse) {
	if len(resp.Destinations) == 0 {
		fmt.Fprintln(w, "No active destinations")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("DESTINATION", "QUEUED", "RETRIES", "IN FLIGHT", "BREAKER", "FAILURES", "WORKER").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 4 && row >= 0 && row < len(resp.Destinations) {
				switch resp.Destinations[row].BreakerState {
				case "OPEN":
					return stateOpen.Padding(0, 1)
				case "HALF_OPEN":
					return stateHalfOpen.Padding(0, 1)
				}
			}
			return cellStyle
		})
	for _, d := range resp.Destinations {
		worker := "idle"
		if d.WorkerRunning {
			worker = "running"
		}
		inFlight := "-"
		if d.InFlight {
			inFlight = "yes"
		}
		t.Row(
			d.URL,
			strconv.Itoa(d.QueueDepth),
			strconv.Itoa(d.ScheduledRetries),
			inFlight,
			d.BreakerState,
			strconv.Itoa(d.ConsecutiveFailures),
			worker,
		)
	}
	fmt.Fprintln(w, t.Render())
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
