package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arkadas/chaton2api/pkg/version"
)

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "chaton2api %s\n", version.String())
			if d := version.BuildDate(); d != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Built: "+d)
			}
			return nil
		},
	}
	rootCmd.AddCommand(versionCmd)
}
