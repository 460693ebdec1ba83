package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/adcp_webhooks/internal/auth"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint operator tokens and manage signing keys",
}

var mintTokenCmd = &cobra.Command{
	Use:   "mint [subject]",
	Short: "Mint an RS256 operator token",
	Long: `Mint an operator token for the dispatcher's operator API.

Example:
  adcpctl token mint oncall --key-file jwt_private.pem --scope webhooks:admin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key-file")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		kid, _ := cmd.Flags().GetString("kid")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")

		pemBytes, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
		key, err := auth.ParsePrivateKey(string(pemBytes))
		if err != nil {
			return err
		}

		tok, err := auth.NewTokenSigner(key, kid, issuer, audience).Mint(args[0], scopes, ttl)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printOutput(w, map[string]any{
				"token":      tok,
				"token_type": "Bearer",
				"expires_in": int(ttl.Seconds()),
			})
		}
		fmt.Fprintln(w, tok)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair for operator tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("out-dir")
		force, _ := cmd.Flags().GetBool("force")

		privPEM, pubPEM, err := auth.GenerateKeyPair()
		if err != nil {
			return err
		}
		privPath := filepath.Join(dir, "jwt_private.pem")
		pubPath := filepath.Join(dir, "jwt_public.pem")
		if !force {
			for _, p := range []string{privPath, pubPath} {
				if _, err := os.Stat(p); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", p)
				}
			}
		}
		if err := os.WriteFile(privPath, []byte(privPEM), 0o600); err != nil {
			return fmt.Errorf("failed to write private key: %w", err)
		}
		if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
			return fmt.Errorf("failed to write public key: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Private key: %s\n", privPath)
		fmt.Fprintf(w, "Public key: %s\n", pubPath)
		fmt.Fprintln(w, "Set ADMIN_JWT_PUBLIC_KEY to the public key contents on the dispatcher.")
		return nil
	},
}

var jwksCmd = &cobra.Command{
	Use:   "jwks",
	Short: "Print the JWKS document for a public key",
	Long: `Print a JSON Web Key Set for a public key, suitable for serving at the
URL configured in ADMIN_JWKS_URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("pub-file")
		kid, _ := cmd.Flags().GetString("kid")

		pemBytes, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("failed to read public key: %w", err)
		}
		pub, err := auth.ParsePublicKey(string(pemBytes))
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), auth.NewJWKS(pub, kid))
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(mintTokenCmd)
	tokenCmd.AddCommand(keygenCmd)
	tokenCmd.AddCommand(jwksCmd)

	mintTokenCmd.Flags().String("key-file", "jwt_private.pem", "PEM encoded RSA private key")
	mintTokenCmd.Flags().StringSlice("scope", []string{auth.ScopeRead}, "token scopes (webhooks:read, webhooks:admin)")
	mintTokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	mintTokenCmd.Flags().String("issuer", "adcp-webhooks", "token issuer")
	mintTokenCmd.Flags().String("audience", "adcp-webhooks-admin", "token audience")

	keygenCmd.Flags().String("out-dir", ".", "directory for jwt_private.pem and jwt_public.pem")
	keygenCmd.Flags().Bool("force", false, "overwrite existing key files")

	jwksCmd.Flags().String("pub-file", "jwt_public.pem", "PEM encoded RSA public key")

	for _, c := range []*cobra.Command{mintTokenCmd, jwksCmd} {
		c.Flags().String("kid", "adcp-admin-1", "key id")
	}
}
