package cmd

import (
	"github.com/spf13/cobra"
)

// Root builds the command tree. dir is where config.yaml is looked up.
func Root(dir string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "stitch-media",
		Short:         "media production worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(server(dir))
	rootCmd.AddCommand(collageCmd(dir))
	rootCmd.AddCommand(cacheCmd(dir))
	return rootCmd
}
