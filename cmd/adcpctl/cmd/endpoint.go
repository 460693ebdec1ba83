package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/austindbirch/adcp_webhooks/internal/config"
	"github.com/austindbirch/adcp_webhooks/internal/db"
	"github.com/austindbirch/adcp_webhooks/internal/registry"
	"github.com/austindbirch/adcp_webhooks/internal/webhook"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage endpoints in the Postgres registry",
	Long: `Register webhook endpoints and subscriptions in the Postgres endpoint
registry read by the dispatcher. The connection uses the same DB_* environment
as the dispatcher unless --dsn is given.`,
}

var putEndpointCmd = &cobra.Command{
	Use:   "put [url]",
	Short: "Register or update an endpoint",
	Long: `Register or update an endpoint.

Example:
  adcpctl endpoint put https://buyer.example/hook --secret "$SECRET"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		disabled, _ := cmd.Flags().GetBool("disabled")

		generated := secret == ""
		if generated {
			var err error
			if secret, err = generateSecret(32); err != nil {
				return fmt.Errorf("failed to generate secret: %w", err)
			}
		}
		d := webhook.Destination{URL: args[0], Secret: []byte(secret), Enabled: !disabled}
		if err := webhook.ValidateDestination(d); err != nil {
			return err
		}
		return withRegistryDB(cmd, func(ctx context.Context, pool *pgxpool.Pool) error {
			if err := registry.Upsert(ctx, pool, d); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Registered endpoint: %s (enabled=%v)\n", d.URL, d.Enabled)
			if generated {
				fmt.Fprintf(w, "  Secret: %s\n", secret)
			}
			return nil
		})
	},
}

var subscribeEndpointCmd = &cobra.Command{
	Use:   "subscribe [url]",
	Short: "Subscribe an endpoint to a tenant, principal and event class",
	Long: `Subscribe a registered endpoint to events.

Example:
  adcpctl endpoint subscribe https://buyer.example/hook \
    --tenant acme --principal buyer_1 --class delivery_report`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		principal, _ := cmd.Flags().GetString("principal")
		class, _ := cmd.Flags().GetString("class")
		key := webhook.Key{TenantID: tenant, PrincipalID: principal, EventClass: class}

		return withRegistryDB(cmd, func(ctx context.Context, pool *pgxpool.Pool) error {
			if err := registry.Subscribe(ctx, pool, key, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscribed %s to %s/%s/%s\n", args[0], tenant, principal, class)
			return nil
		})
	},
}

var migrateEndpointCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the registry and dead letter schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistryDB(cmd, func(ctx context.Context, pool *pgxpool.Pool) error {
			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(w, "Schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(w, "Applied %s\n", name)
			}
			return nil
		})
	},
}

// generateSecret returns n random bytes, base64url encoded
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// withRegistryDB opens a small pool for one registry command.
func withRegistryDB(cmd *cobra.Command, fn func(context.Context, *pgxpool.Pool) error) error {
	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn == "" {
		dsn = config.FromEnv().DSN()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := db.Connect(ctx, dsn, 2)
	if err != nil {
		return fmt.Errorf("failed to connect to registry database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(putEndpointCmd)
	endpointCmd.AddCommand(subscribeEndpointCmd)
	endpointCmd.AddCommand(migrateEndpointCmd)

	endpointCmd.PersistentFlags().String("dsn", "", "Postgres connection string (defaults to the DB_* environment)")

	putEndpointCmd.Flags().String("secret", "", "shared signing secret, at least 32 bytes (generated when empty)")
	putEndpointCmd.Flags().Bool("disabled", false, "register the endpoint disabled")

	subscribeEndpointCmd.Flags().String("tenant", "", "tenant id")
	subscribeEndpointCmd.Flags().String("principal", "", "principal (buyer) id")
	subscribeEndpointCmd.Flags().String("class", "", "event class")
}
