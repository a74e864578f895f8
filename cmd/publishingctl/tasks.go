package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newTasksCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage propagation tasks",
	}

	var (
		kind, state, lane string
		pageSize          int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List propagation tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for key, v := range map[string]string{"kind": kind, "state": state, "lane": lane} {
				if v != "" {
					q.Set(key, v)
				}
			}
			q.Set("pageSize", fmt.Sprint(pageSize))

			var resp map[string]any
			if err := newClient(opts).get("/v2/tasks?"+q.Encode(), &resp); err != nil {
				return err
			}
			if structured(opts.outputFmt) {
				return printOutput(cmd.OutOrStdout(), opts.outputFmt, resp)
			}
			tasks, _ := resp["tasks"].([]any)
			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				task, _ := t.(map[string]any)
				rows = append(rows, []string{
					str(task, "id"),
					str(task, "kind"),
					str(task, "state"),
					str(task, "attemptCount"),
					str(task, "enqueuedAt"),
					truncate(str(task, "lastError"), 50),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "Kind", "State", "Attempts", "Enqueued", "Last Error"}, rows)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s of %s tasks\n", fmt.Sprint(len(tasks)), str(resp, "totalSize"))
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "Filter by task kind")
	list.Flags().StringVar(&state, "state", "", "Filter by state (queued, running, succeeded, failed, canceled)")
	list.Flags().StringVar(&lane, "lane", "", "Filter by lane")
	list.Flags().IntVar(&pageSize, "page-size", 20, "Tasks per page")

	action := func(name, short string) *cobra.Command {
		return &cobra.Command{
			Use:   name + " <task-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp map[string]any
				if err := newClient(opts).post("/v2/tasks/"+url.PathEscape(args[0])+"/"+name, nil, &resp); err != nil {
					return err
				}
				if structured(opts.outputFmt) {
					return printOutput(cmd.OutOrStdout(), opts.outputFmt, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", str(resp, "taskId"), str(resp, "status"))
				return nil
			},
		}
	}

	cmd.AddCommand(list, action("retry", "Queue a failed task again"), action("cancel", "Cancel a queued task"))
	return cmd
}
