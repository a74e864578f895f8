package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRepresentCmd(opts *options) *cobra.Command {
	var store string
	cmd := &cobra.Command{
		Use:   "represent-downstream",
		Short: "Push every document to the content stores again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if store != "" {
				body["store"] = store
			}
			var resp map[string]any
			if err := newClient(opts).post("/v2/represent-downstream", body, &resp); err != nil {
				return err
			}
			if structured(opts.outputFmt) {
				return printOutput(cmd.OutOrStdout(), opts.outputFmt, resp)
			}
			enqueued, _ := resp["enqueued"].(map[string]any)
			for _, name := range []string{"draft", "live"} {
				if n, ok := enqueued[name]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v tasks enqueued\n", name, n)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "draft or live (default both)")
	return cmd
}
