package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := newClient(opts).get("/healthcheck", &resp); err != nil {
				return fmt.Errorf("server unhealthy: %w", err)
			}
			if structured(opts.outputFmt) {
				return printOutput(cmd.OutOrStdout(), opts.outputFmt, resp)
			}
			printTable(cmd.OutOrStdout(), []string{"Check", "Status"}, [][]string{
				{"Status", str(resp, "status")},
				{"Uptime", str(resp, "uptime")},
			})
			return nil
		},
	}
}
