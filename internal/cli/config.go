package cli

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/crossfed-io/crossfed/internal/config"
)

// NewConfigCmd creates the config command group
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect crossfed configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// newConfigShowCmd prints the effective configuration after merging defaults,
// file, environment, and flags. Useful for debugging precedence surprises.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective merged configuration as YAML",
		Long: `Load configuration exactly as serve would (defaults, then the config
file, then CROSSFED_* environment variables, then flags) and print the merged
result. Keys are printed the way the config file spells them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := configFile
			if configPath == "" {
				configPath = os.Getenv("CROSSFED_CONFIG")
			}

			loader, err := config.NewLoaderWithFlags(configPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Validate before printing so a broken file fails loudly here
			// instead of at serve time
			if _, err := loader.Get(); err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}

			out, err := yaml.Marshal(loader.Raw())
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}

			fmt.Print(string(out))
			return nil
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}
