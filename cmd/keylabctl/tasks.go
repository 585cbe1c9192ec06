package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"keylab/internal/task"
)

func (a *app) tasksCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the study's tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks := task.Catalog()
			if remote {
				c, err := a.client()
				if err != nil {
					return err
				}
				if tasks, err = c.Tasks(cmd.Context()); err != nil {
					return err
				}
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tPLATFORM\tROUND\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", t.Index, t.PlatformName(), t.Round, t.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "fetch the catalog from keylabd")
	return cmd
}
