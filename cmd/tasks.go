package cmd

import (
	"context"
	"fmt"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func tasksCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			stores, err := openStores(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer stores.Close()

			ctx := context.Background()
			var list []store.Task
			if group != "" {
				list, err = stores.Tasks.ListByGroup(ctx, group)
			} else {
				list, err = stores.Tasks.List(ctx)
			}
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("(no scheduled tasks)")
				return nil
			}

			rows := make([][]string, 0, len(list)+1)
			rows = append(rows, []string{"ID", "GROUP", "SCHEDULE", "STATUS", "NEXT RUN", "PROMPT"})
			for _, t := range list {
				next := "-"
				if t.NextRun != nil {
					next = t.NextRun.Local().Format("2006-01-02 15:04:05")
				}
				rows = append(rows, []string{
					shortID(t.ID),
					t.GroupFolder,
					t.ScheduleType + " " + t.ScheduleValue,
					t.Status,
					next,
					runewidth.Truncate(t.Prompt, 40, "…"),
				})
			}
			printTable(rows)
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "only tasks for this group folder")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
