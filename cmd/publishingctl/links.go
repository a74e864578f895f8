package main

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// parseLinks turns "type=id1,id2" flags into a link patch. "type=" clears
// the type.
func parseLinks(values []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, v := range values {
		linkType, ids, ok := strings.Cut(v, "=")
		if !ok || linkType == "" {
			return nil, fmt.Errorf("invalid --link %q (expected type=id1,id2)", v)
		}
		targets := []string{}
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				targets = append(targets, id)
			}
		}
		out[linkType] = targets
	}
	return out, nil
}

func printLinkSet(cmd *cobra.Command, opts *options, set map[string]any) error {
	if structured(opts.outputFmt) {
		return printOutput(cmd.OutOrStdout(), opts.outputFmt, set)
	}
	linkMap, _ := set["links"].(map[string]any)
	types := make([]string, 0, len(linkMap))
	for t := range linkMap {
		types = append(types, t)
	}
	sort.Strings(types)

	var rows [][]string
	for _, t := range types {
		targets, _ := linkMap[t].([]any)
		for _, target := range targets {
			rows = append(rows, []string{t, fmt.Sprint(target)})
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Link set %s, version %s\n", str(set, "content_id"), str(set, "version"))
	printTable(cmd.OutOrStdout(), []string{"Link Type", "Target"}, rows)
	return nil
}

func newLinksCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links <content-id>",
		Short: "Show or edit the link set of a content ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var set map[string]any
			if err := newClient(opts).get("/v2/links/"+url.PathEscape(args[0]), &set); err != nil {
				return err
			}
			return printLinkSet(cmd, opts, set)
		},
	}

	var (
		linkFlags       []string
		previousVersion int
	)
	patch := &cobra.Command{
		Use:   "patch <content-id> --link type=id1,id2 ...",
		Short: "Replace the named link types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			linkPatch, err := parseLinks(linkFlags)
			if err != nil {
				return err
			}
			if len(linkPatch) == 0 {
				return fmt.Errorf("at least one --link is required")
			}
			body := map[string]any{"links": linkPatch}
			if cmd.Flags().Changed("previous-version") {
				body["previous_version"] = previousVersion
			}
			var set map[string]any
			if err := newClient(opts).do("PATCH", "/v2/links/"+url.PathEscape(args[0]), body, &set); err != nil {
				return err
			}
			return printLinkSet(cmd, opts, set)
		},
	}
	patch.Flags().StringArrayVar(&linkFlags, "link", nil, "Link type and targets, as type=id1,id2 (repeatable)")
	patch.Flags().IntVar(&previousVersion, "previous-version", 0, "Expected lock version of the link set")
	cmd.AddCommand(patch)
	return cmd
}

func newExpandedLinksCmd(opts *options) *cobra.Command {
	var (
		locale     string
		withDrafts bool
	)
	cmd := &cobra.Command{
		Use:   "expanded-links <content-id>",
		Short: "Show the expanded link tree of a content ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("with_drafts", fmt.Sprint(withDrafts))
			if locale != "" {
				q.Set("locale", locale)
			}
			var view map[string]any
			if err := newClient(opts).get("/v2/expanded-links/"+url.PathEscape(args[0])+"?"+q.Encode(), &view); err != nil {
				return err
			}
			if structured(opts.outputFmt) {
				return printOutput(cmd.OutOrStdout(), opts.outputFmt, view)
			}
			expanded, _ := view["expanded_links"].(map[string]any)
			types := make([]string, 0, len(expanded))
			for t := range expanded {
				types = append(types, t)
			}
			sort.Strings(types)
			var rows [][]string
			for _, t := range types {
				targets, _ := expanded[t].([]any)
				for _, target := range targets {
					m, _ := target.(map[string]any)
					rows = append(rows, []string{t, str(m, "content_id"), str(m, "base_path"), truncate(str(m, "title"), 40)})
				}
			}
			printTable(cmd.OutOrStdout(), []string{"Link Type", "Content ID", "Base Path", "Title"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&locale, "locale", "", "Locale (default en)")
	cmd.Flags().BoolVar(&withDrafts, "with-drafts", false, "Expand as the draft store sees it")
	return cmd
}
