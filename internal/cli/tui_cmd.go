package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/highclaw/agentbridge/internal/tui"
)

var tuiThread string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the terminal thread console",
	Long: `Open an interactive console for one thread of a running gateway.

Typing a message starts a turn; the first message starts a new thread unless
--thread attaches to an existing one. Approval requests can be answered with
ctrl+a and ctrl+d.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient()
		return tui.Run(tui.Options{
			BaseURL:  client.base,
			ThreadID: tuiThread,
			Version:  version,
			Backend:  &consoleBackend{client: client},
		})
	},
}

func init() {
	tuiCmd.Flags().StringVarP(&tuiThread, "thread", "t", "", "Attach to an existing thread")
}

// consoleBackend maps console actions onto the HTTP API.
type consoleBackend struct {
	client *apiClient
}

func (b *consoleBackend) StartThread(ctx context.Context) (string, error) {
	var resp struct {
		ID     string `json:"id"`
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := b.client.post(ctx, "/api/threads", map[string]any{}, &resp); err != nil {
		return "", err
	}
	if resp.Thread.ID != "" {
		return resp.Thread.ID, nil
	}
	if resp.ID != "" {
		return resp.ID, nil
	}
	return "", errors.New("thread/start returned no thread id")
}

func (b *consoleBackend) StartTurn(ctx context.Context, threadID, text string) error {
	body := map[string]any{
		"input": []map[string]string{{"type": "text", "text": text}},
	}
	var ignored json.RawMessage
	return b.client.post(ctx, "/api/threads/"+url.PathEscape(threadID)+"/turns", body, &ignored)
}

func (b *consoleBackend) Interrupt(ctx context.Context, threadID, turnID string) error {
	body := map[string]any{}
	if turnID != "" {
		body["turnId"] = turnID
	}
	var ignored json.RawMessage
	return b.client.post(ctx, "/api/threads/"+url.PathEscape(threadID)+"/interrupt", body, &ignored)
}

func (b *consoleBackend) RespondApproval(ctx context.Context, requestID, decision string) error {
	err := b.client.post(ctx, "/api/approvals", map[string]string{
		"requestId": requestID,
		"decision":  decision,
	}, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("approval %s is no longer pending", requestID)
	}
	return err
}
