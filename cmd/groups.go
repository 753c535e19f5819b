package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
)

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List registered groups",
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
			list, err := stores.Groups.List(ctx)
			if err != nil {
				return fmt.Errorf("list groups: %w", err)
			}
			sort.Slice(list, func(i, j int) bool { return list[i].Folder < list[j].Folder })

			activity, err := stores.State.All(ctx, groups.LastActivityPrefix)
			if err != nil {
				return fmt.Errorf("read activity: %w", err)
			}

			rows := make([][]string, 0, len(list)+1)
			rows = append(rows, []string{"FOLDER", "NAME", "ADDED", "LAST ACTIVITY"})
			for _, g := range list {
				last := "-"
				if v, ok := activity[groups.LastActivityPrefix+g.Folder]; ok {
					if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
						last = time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
					}
				}
				rows = append(rows, []string{
					g.Folder,
					g.Name,
					g.AddedAt.Local().Format("2006-01-02"),
					last,
				})
			}
			printTable(rows)
			return nil
		},
	}
}

// printTable left-aligns columns by display width, so wide runes in
// group names do not skew the layout.
func printTable(rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		line := ""
		for i, cell := range row {
			if i == len(row)-1 {
				line += cell
				continue
			}
			line += runewidth.FillRight(cell, widths[i]+2)
		}
		fmt.Println(line)
	}
}
