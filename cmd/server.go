package cmd

import (
	"github.com/spf13/cobra"
	"stitch-media/config"
	server2 "stitch-media/server"
)

func server(dir string) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start http server and job consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			server2.RunHttp(cfg)
			return nil
		},
	}
}
