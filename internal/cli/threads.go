package cli

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/highclaw/agentbridge/internal/domain/model"
)

var threadsLimit int

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect recorded threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Threads []model.Thread `json:"threads"`
		}
		path := "/api/threads?limit=" + strconv.Itoa(threadsLimit)
		if err := newAPIClient().get(context.Background(), path, &resp); err != nil {
			return err
		}
		if len(resp.Threads) == 0 {
			fmt.Println("No threads recorded yet.")
			return nil
		}

		fmt.Printf("Threads (%d):\n\n", len(resp.Threads))
		for _, t := range resp.Threads {
			fmt.Printf("  %-40s  updated %s\n", t.ID, formatTime(t.UpdatedAt))
		}
		return nil
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a thread with its turns and items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var detail model.ThreadDetail
		if err := newAPIClient().get(context.Background(), "/api/threads/"+url.PathEscape(args[0]), &detail); err != nil {
			return err
		}

		fmt.Println(styleTitle.Render("Thread " + detail.ID))
		fmt.Printf("  Created:  %s\n", formatTime(detail.CreatedAt))
		fmt.Printf("  Updated:  %s\n", formatTime(detail.UpdatedAt))

		items := make(map[string][]model.Item)
		for _, it := range detail.Items {
			items[it.TurnID] = append(items[it.TurnID], it)
		}
		for _, turn := range detail.Turns {
			fmt.Println()
			fmt.Printf("  %s %s  %s\n", styleInfo.Render("turn"), turn.ID, renderStatus(turn.Status))
			for _, it := range items[turn.ID] {
				fmt.Printf("    - %-18s %-28s %s\n", it.Type, it.ID, renderStatus(it.Status))
			}
			delete(items, turn.ID)
		}
		if orphans := items[""]; len(orphans) > 0 {
			fmt.Println()
			for _, it := range orphans {
				fmt.Printf("  - %-18s %-28s %s\n", it.Type, it.ID, renderStatus(it.Status))
			}
		}
		return nil
	},
}

func init() {
	threadsListCmd.Flags().IntVarP(&threadsLimit, "limit", "n", 20, "Number of threads")
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
}

func renderStatus(status string) string {
	switch status {
	case model.TurnCompleted:
		return styleSuccess.Render(status)
	case model.TurnInProgress, model.ItemStarted:
		return styleWarn.Render(status)
	case "failed", "interrupted":
		return styleError.Render(status)
	}
	return styleMuted.Render(status)
}
