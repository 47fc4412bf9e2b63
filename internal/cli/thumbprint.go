package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/crossfed-io/crossfed/internal/provider"
)

// NewThumbprintCmd creates the thumbprint command
func NewThumbprintCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "thumbprint <issuer-url>",
		Short: "Fetch the TLS thumbprints for an OIDC issuer",
		Long: `Connect to an OIDC issuer over TLS and print the fingerprints of the
certificate anchoring its chain. Registering one of these fingerprints in an
identity provider record pins the provider's key material to that chain.

Example:
  crossfed thumbprint https://oidc.eks.us-east-1.amazonaws.com/id/EXAMPLE`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			tp, err := provider.FetchIssuerThumbprint(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to fetch thumbprint: %w", err)
			}

			fmt.Printf("Subject:  %s\n", tp.Subject)
			fmt.Printf("SHA-1:    %s\n", tp.SHA1)
			fmt.Printf("SHA-256:  %s\n", tp.SHA256)
			fmt.Printf("Expires:  %s\n", tp.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "connection timeout")

	return cmd
}
