package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}

func contentPath(contentID string) string {
	return "/v2/content/" + url.PathEscape(contentID)
}

func withLocale(path, locale string) string {
	if locale == "" {
		return path
	}
	return path + "?locale=" + url.QueryEscape(locale)
}

// printContent prints an edition as a single table row.
func printContent(cmd *cobra.Command, opts *options, view map[string]any) error {
	if structured(opts.outputFmt) {
		return printOutput(cmd.OutOrStdout(), opts.outputFmt, view)
	}
	printTable(cmd.OutOrStdout(),
		[]string{"Content ID", "Locale", "Base Path", "State", "Version", "Lock", "Title"},
		[][]string{{
			str(view, "content_id"),
			str(view, "locale"),
			str(view, "base_path"),
			str(view, "publication_state"),
			str(view, "user_facing_version"),
			str(view, "lock_version"),
			truncate(str(view, "title"), 40),
		}})
	return nil
}

func newGetCmd(opts *options) *cobra.Command {
	var locale string
	cmd := &cobra.Command{
		Use:   "get <content-id>",
		Short: "Show the latest edition of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view map[string]any
			if err := newClient(opts).get(withLocale(contentPath(args[0]), locale), &view); err != nil {
				return err
			}
			return printContent(cmd, opts, view)
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "Locale (default en)")
	return cmd
}

func newPublishCmd(opts *options) *cobra.Command {
	var (
		locale          string
		updateType      string
		previousVersion int
	)
	cmd := &cobra.Command{
		Use:   "publish <content-id>",
		Short: "Publish the draft of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if locale != "" {
				body["locale"] = locale
			}
			if updateType != "" {
				body["update_type"] = updateType
			}
			if cmd.Flags().Changed("previous-version") {
				body["previous_version"] = previousVersion
			}
			var view map[string]any
			if err := newClient(opts).post(contentPath(args[0])+"/publish", body, &view); err != nil {
				return err
			}
			return printContent(cmd, opts, view)
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "Locale (default en)")
	cmd.Flags().StringVar(&updateType, "update-type", "", "major, minor, republish or links (default: the draft's)")
	cmd.Flags().IntVar(&previousVersion, "previous-version", 0, "Expected lock version of the draft")
	return cmd
}

func newUnpublishCmd(opts *options) *cobra.Command {
	var (
		locale          string
		unpublishType   string
		explanation     string
		alternativePath string
		discardDrafts   bool
		previousVersion int
	)
	cmd := &cobra.Command{
		Use:   "unpublish <content-id>",
		Short: "Take the published edition of a document down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"type":           unpublishType,
				"discard_drafts": discardDrafts,
			}
			if locale != "" {
				body["locale"] = locale
			}
			if explanation != "" {
				body["explanation"] = explanation
			}
			if alternativePath != "" {
				body["alternative_path"] = alternativePath
			}
			if cmd.Flags().Changed("previous-version") {
				body["previous_version"] = previousVersion
			}
			var view map[string]any
			if err := newClient(opts).post(contentPath(args[0])+"/unpublish", body, &view); err != nil {
				return err
			}
			return printContent(cmd, opts, view)
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "Locale (default en)")
	cmd.Flags().StringVar(&unpublishType, "type", "gone", "withdrawal, redirect, gone or vanish")
	cmd.Flags().StringVar(&explanation, "explanation", "", "Shown to readers of a withdrawn document")
	cmd.Flags().StringVar(&alternativePath, "alternative-path", "", "Redirect destination")
	cmd.Flags().BoolVar(&discardDrafts, "discard-drafts", false, "Delete a pending draft instead of failing")
	cmd.Flags().IntVar(&previousVersion, "previous-version", 0, "Expected lock version of the published edition")
	return cmd
}

func newDiscardDraftCmd(opts *options) *cobra.Command {
	var (
		locale          string
		previousVersion int
	)
	cmd := &cobra.Command{
		Use:   "discard-draft <content-id>",
		Short: "Delete the draft of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if locale != "" {
				body["locale"] = locale
			}
			if cmd.Flags().Changed("previous-version") {
				body["previous_version"] = previousVersion
			}
			var result map[string]any
			if err := newClient(opts).post(contentPath(args[0])+"/discard-draft", body, &result); err != nil {
				return err
			}
			if structured(opts.outputFmt) {
				return printOutput(cmd.OutOrStdout(), opts.outputFmt, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded draft of %s (%s)\n", str(result, "content_id"), str(result, "locale"))
			return nil
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "Locale (default en)")
	cmd.Flags().IntVar(&previousVersion, "previous-version", 0, "Expected lock version of the draft")
	return cmd
}
