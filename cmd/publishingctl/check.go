package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newCheckCmd(opts *options) *cobra.Command {
	var locale string
	cmd := &cobra.Command{
		Use:   "check <content-id>...",
		Short: "Check that the router and content stores agree with the publishing store",
		Long: `check audits each content ID and prints every discrepancy found. It exits
non-zero when any document is inconsistent.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(opts)
			var reports []map[string]any
			inconsistent := 0
			for _, id := range args {
				var report map[string]any
				if err := client.get(withLocale("/v2/consistency/"+url.PathEscape(id), locale), &report); err != nil {
					return fmt.Errorf("check %s: %w", id, err)
				}
				if errs, _ := report["errors"].([]any); len(errs) > 0 {
					inconsistent++
				}
				reports = append(reports, report)
			}

			out := cmd.OutOrStdout()
			if structured(opts.outputFmt) {
				if err := printOutput(out, opts.outputFmt, reports); err != nil {
					return err
				}
			} else {
				var rows [][]string
				for _, report := range reports {
					errs, _ := report["errors"].([]any)
					if len(errs) == 0 {
						rows = append(rows, []string{str(report, "content_id"), str(report, "locale"), "ok"})
					}
					for _, e := range errs {
						rows = append(rows, []string{str(report, "content_id"), str(report, "locale"), fmt.Sprint(e)})
					}
				}
				printTable(out, []string{"Content ID", "Locale", "Finding"}, rows)
			}
			if inconsistent > 0 {
				return fmt.Errorf("%d of %d documents are inconsistent", inconsistent, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "Locale (default en)")
	return cmd
}
