package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arkadas/chaton2api/pkg/config"
)

var configPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Write a default config if missing and show the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			// Re-save so a hand-edited file gets normalized values filled in.
			if err := config.Save(configPath, cfg); err != nil {
				return fmt.Errorf("save server config: %w", err)
			}
			b, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", configPath, b)
			return nil
		},
	}

	configCmd.Flags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(configCmd)
}
