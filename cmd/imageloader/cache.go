package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache {stats|clear}",
		Short: "Inspect or clear the disk cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print disk cache usage",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				loader, err := a.newLoader(false)
				if err != nil {
					return err
				}
				defer closeLoader(loader, a.logger)

				st := loader.CacheStats()
				fmt.Fprintf(cmd.OutOrStdout(), "dir:     %s\nentries: %d\nsize:    %s / %s\n",
					a.cfg.CacheDir, st.Entries,
					units.BytesSize(float64(st.Size)), units.BytesSize(float64(st.MaxSize)))
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				loader, err := a.newLoader(false)
				if err != nil {
					return err
				}
				defer closeLoader(loader, a.logger)

				if err := loader.ClearCache(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			},
		},
	)
	return cmd
}
