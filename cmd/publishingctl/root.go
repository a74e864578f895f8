package main

import (
	"os"

	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every command.
type options struct {
	serverURL string
	outputFmt string
	user      string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "publishingctl",
		Short: "CLI for the publishing API",
		Long: `publishingctl drives the publishing API: it publishes, unpublishes and
discards drafts, edits link sets, inspects the propagation queue and checks
that downstream systems agree with the publishing store.`,
		SilenceUsage: true,
	}

	defaultServer := os.Getenv("PUBLISHING_API_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServer, "Publishing API URL")
	root.PersistentFlags().StringVarP(&opts.outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().StringVar(&opts.user, "user", os.Getenv("PUBLISHING_USER"), "UID recorded as the acting user")

	root.AddCommand(
		newGetCmd(opts),
		newPublishCmd(opts),
		newUnpublishCmd(opts),
		newDiscardDraftCmd(opts),
		newLinksCmd(opts),
		newExpandedLinksCmd(opts),
		newCheckCmd(opts),
		newTasksCmd(opts),
		newRepresentCmd(opts),
		newHealthCmd(opts),
	)
	return root
}
