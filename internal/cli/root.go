// Package cli wires the crossfed commands: serve runs the exchange and
// enforcement servers, thumbprint fetches the TLS fingerprints needed to
// register an identity provider record.
package cli

import (
	"github.com/spf13/cobra"
)

// configFile is the path set by the persistent --config flag, shared by all
// subcommands.
var configFile string

// NewRootCmd creates the root crossfed command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crossfed",
		Short: "Cross-cloud identity federation trust exchange",
		Long: `crossfed lets workloads in one cluster obtain short-lived role session
credentials in another trust domain by presenting their own cluster's OIDC
identity token. Operators register identity provider records, author trust
and permission policies on assumable roles, and run the exchange and
enforcement servers.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "path to configuration file (YAML, JSON, or TOML)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewThumbprintCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}
