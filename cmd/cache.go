package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"stitch-media/config"
	"stitch-media/pkg/videocache"
)

func cacheCmd(dir string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "inspect and maintain the local video cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "print cache usage and entries",
			RunE: withCache(dir, func(ctx context.Context, cmd *cobra.Command, c *videocache.Cache) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"stats":   c.Stats(),
					"entries": c.Entries(),
				})
			}),
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "evict expired entries",
			RunE: withCache(dir, func(ctx context.Context, cmd *cobra.Command, c *videocache.Cache) error {
				n := c.SweepExpired(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "evicted %d entries\n", n)
				return c.Save(ctx)
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "remove every cached file",
			RunE: withCache(dir, func(ctx context.Context, cmd *cobra.Command, c *videocache.Cache) error {
				freed := c.Clear(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "freed %d bytes\n", freed)
				return c.Save(ctx)
			}),
		},
	)
	return cmd
}

// withCache opens the cache without a fetcher; these commands never download.
func withCache(dir string, fn func(context.Context, *cobra.Command, *videocache.Cache) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Local(dir)
		if err != nil {
			return err
		}
		logger := zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger().Level(zerolog.WarnLevel)
		ctx := logger.WithContext(cmd.Context())

		c, err := videocache.New(ctx, videocache.Config{
			Dir:                    cfg.Cache.Dir,
			MaxBytes:               cfg.Cache.MaxBytes(),
			MaxAge:                 cfg.Cache.MaxAge,
			MaxConcurrentDownloads: cfg.Cache.MaxConcurrentDownloads,
		}, nil)
		if err != nil {
			return err
		}
		return fn(ctx, cmd, c)
	}
}
