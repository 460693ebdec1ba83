package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the service name the dispatcher publishes health for
const healthService = "adcp.webhooks.Dispatcher"

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the dispatcher",
	Long: `Check the dispatcher's health using the gRPC health service, or the
HTTP /healthz endpoint with --http.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		useHTTP, _ := cmd.Flags().GetBool("http")
		w := cmd.OutOrStdout()

		if useHTTP {
			client := &http.Client{Timeout: timeout}
			resp, err := client.Get(apiURL("/healthz"))
			if err != nil {
				return fmt.Errorf("HTTP health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				fmt.Fprintln(w, "✓ Dispatcher is healthy (HTTP)")
				return nil
			}
			fmt.Fprintf(w, "✗ Dispatcher is unhealthy (HTTP %d)\n", resp.StatusCode)
			return fmt.Errorf("unhealthy")
		}

		status, err := checkGRPCHealth(cmd.Context(), grpcAddr)
		if err != nil {
			return fmt.Errorf("gRPC health check failed: %w", err)
		}
		if status != healthpb.HealthCheckResponse_SERVING {
			fmt.Fprintf(w, "✗ Dispatcher is %s\n", status)
			return fmt.Errorf("unhealthy")
		}
		fmt.Fprintln(w, "✓ Dispatcher is healthy")
		return nil
	},
}

func checkGRPCHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("http", false, "check the HTTP /healthz endpoint instead of gRPC")
}
