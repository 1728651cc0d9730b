package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/highclaw/agentbridge/internal/domain/model"
)

var (
	approvalsStatus   string
	approvalsDecision string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and answer the agent's approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals (or history with --status)",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/approvals"
		if approvalsStatus != "" {
			path += "?status=" + url.QueryEscape(approvalsStatus)
		}
		var resp struct {
			Approvals []model.Approval `json:"approvals"`
		}
		if err := newAPIClient().get(context.Background(), path, &resp); err != nil {
			return err
		}
		if len(resp.Approvals) == 0 {
			fmt.Println("No approvals.")
			return nil
		}

		fmt.Printf("Approvals (%d):\n\n", len(resp.Approvals))
		for _, a := range resp.Approvals {
			status := a.Status
			if status == "" {
				status = model.ApprovalPending
			}
			fmt.Printf("  %-12s %-10s %-44s %s\n", a.RequestID, status, a.Method, formatTime(a.CreatedAt))
			if a.ThreadID != "" {
				fmt.Printf("               thread: %s\n", a.ThreadID)
			}
			if s := summarize(a.Params); s != "" {
				fmt.Printf("               %s\n", styleMuted.Render(s))
			}
			if a.Decision != "" {
				fmt.Printf("               decision: %s\n", a.Decision)
			}
		}
		return nil
	},
}

var approvalsRespondCmd = &cobra.Command{
	Use:   "respond [request-id]",
	Short: "Accept or decline a pending approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := args[0]
		decision := approvalsDecision
		if decision == "" {
			var err error
			if decision, err = promptDecision(requestID); err != nil {
				return err
			}
		}

		err := newAPIClient().post(context.Background(), "/api/approvals", map[string]string{
			"requestId": requestID,
			"decision":  decision,
		}, nil)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return fmt.Errorf("no pending approval for request %s (already answered or expired)", requestID)
		}
		if err != nil {
			return err
		}
		fmt.Println(styleSuccess.Render("✓") + fmt.Sprintf(" %s: %s", requestID, decision))
		return nil
	},
}

func init() {
	approvalsListCmd.Flags().StringVar(&approvalsStatus, "status", "", "History filter: pending, resolved, expired or all")
	approvalsRespondCmd.Flags().StringVarP(&approvalsDecision, "decision", "d", "", "accept or decline (prompts when omitted)")
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsRespondCmd)
}

func promptDecision(requestID string) (string, error) {
	decision := "decline"
	err := huh.NewSelect[string]().
		Title("Approval " + requestID).
		Options(
			huh.NewOption("Accept", "accept"),
			huh.NewOption("Decline", "decline"),
		).
		Value(&decision).
		Run()
	if err != nil {
		return "", fmt.Errorf("prompt decision: %w", err)
	}
	return decision, nil
}
