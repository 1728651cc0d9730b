package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/highclaw/agentbridge/internal/gateway"
	"github.com/highclaw/agentbridge/internal/infra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running gateway's agent session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient()
		var resp struct {
			Version     string            `json:"version"`
			Gateway     gateway.Status    `json:"gateway"`
			Subscribers int               `json:"subscribers"`
			StartedAt   time.Time         `json:"startedAt"`
			Runtime     infra.RuntimeInfo `json:"runtime"`
		}
		if err := client.get(context.Background(), "/api/status", &resp); err != nil {
			return err
		}

		fmt.Println(styleTitle.Render("agentbridge " + resp.Version))
		fmt.Printf("  Server:        %s (up %s)\n", client.base, time.Since(resp.StartedAt).Round(time.Second))
		if resp.Gateway.Running {
			fmt.Printf("  Agent:         %s (pid %d)\n", styleSuccess.Render("running"), resp.Gateway.PID)
			if resp.Gateway.StartedAt != nil {
				fmt.Printf("  Session since: %s\n", formatTime(*resp.Gateway.StartedAt))
			}
		} else {
			fmt.Printf("  Agent:         %s\n", styleError.Render("not running"))
		}
		fmt.Printf("  Approvals:     %d pending\n", resp.Gateway.PendingApprovals)
		fmt.Printf("  Calls:         %d in flight\n", resp.Gateway.PendingCalls)
		fmt.Printf("  Subscribers:   %d\n", resp.Subscribers)
		rt := resp.Runtime
		fmt.Printf("  Runtime:       %s %s/%s, pid %d, %d goroutines\n", rt.GoVersion, rt.OS, rt.Arch, rt.PID, rt.Goroutines)
		return nil
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
