package cmd

import (
	"encoding/json"
	"github.com/spf13/cobra"
	"stitch-media/config"
	"stitch-media/constant"
	"stitch-media/pkg/collage"
	server2 "stitch-media/server"
	"stitch-media/service"
)

func collageCmd(dir string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collage",
		Short: "collage tools",
	}
	cmd.AddCommand(collagePlan(dir))
	return cmd
}

func collagePlan(dir string) *cobra.Command {
	var (
		strategy  string
		mainDur   float64
		responses []float64
		total     float64
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "print the time allocation for a collage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Local(dir)
			if err != nil {
				return err
			}
			s, err := collage.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			params := service.CollageParams(cfg.Collage)
			if total > 0 {
				params.TotalDuration = total
			}

			planned, summary, err := service.NewCollageService(service.Dependencies{}, cfg).Plan(s, params, mainDur, responses)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(server2.PlanResponse(s, planned, summary))
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(constant.StrategyMainWeighted), "equal, main_weighted or proportional")
	cmd.Flags().Float64Var(&mainDur, "main", 0, "main clip duration in seconds")
	cmd.Flags().Float64SliceVar(&responses, "responses", nil, "response clip durations in seconds")
	cmd.Flags().Float64Var(&total, "total", 0, "override the configured collage length")
	_ = cmd.MarkFlagRequired("main")
	return cmd
}
