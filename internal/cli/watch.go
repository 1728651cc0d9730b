package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/highclaw/agentbridge/pkg/streamclient"
)

var (
	watchThread  string
	watchCursor  int64
	watchPoll    time.Duration
	watchVerbose bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a thread's event stream",
	Long: `Follow the events of one thread, resuming after --cursor.

Uses the WebSocket feed and falls back to polling while it is unavailable.
Pass --thread _session for session-level events.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchThread, "thread", "t", "", "Thread id to follow (required)")
	watchCmd.Flags().Int64Var(&watchCursor, "cursor", 0, "Resume after this cursor")
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 2*time.Second, "Polling interval while the socket is down")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Show connection state changes")
	_ = watchCmd.MarkFlagRequired("thread")
}

func runWatch(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	base := resolveServerURL()

	tr := streamclient.New(streamclient.Options{
		BaseURL:      base,
		ThreadID:     watchThread,
		Cursor:       watchCursor,
		PollInterval: watchPoll,
		OnEvents: func(evs []streamclient.Event) {
			for _, ev := range evs {
				fmt.Fprintln(out, formatEvent(ev))
			}
		},
		OnStateChange: func(from, to streamclient.State) {
			if watchVerbose || to == streamclient.StateOpen || to == streamclient.StatePolling {
				fmt.Fprintln(cmd.ErrOrStderr(), styleMuted.Render(fmt.Sprintf("· %s → %s", from, to)))
			}
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(cmd.ErrOrStderr(), styleTitle.Render("Watching "+watchThread)+styleMuted.Render(" on "+base))
	if err := tr.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	tr.Stop()

	fmt.Fprintln(cmd.ErrOrStderr(), styleMuted.Render(fmt.Sprintf("stopped at cursor %d (resume with --cursor %d)", tr.NextCursor(), tr.NextCursor())))
	return nil
}

// formatEvent renders one event as a single terminal line.
func formatEvent(ev streamclient.Event) string {
	var typ string
	switch {
	case ev.Type == "error":
		typ = styleError.Render(ev.Type)
	case strings.HasPrefix(ev.Type, "approval."):
		typ = styleWarn.Render(ev.Type)
	case strings.HasSuffix(ev.Type, ".completed"):
		typ = styleSuccess.Render(ev.Type)
	case ev.Type == "item.delta":
		typ = styleMuted.Render(ev.Type)
	default:
		typ = styleInfo.Render(ev.Type)
	}

	line := styleCursor.Render(fmt.Sprintf("#%d", ev.Cursor)) + " " + typ
	if ev.RequestID != "" {
		line += " " + styleWarn.Render("["+ev.RequestID+"]")
	}
	if s := summarize(ev.Payload); s != "" {
		line += "  " + s
	}
	return line
}

// summarize picks a human readable field out of an event payload, falling
// back to compact JSON.
func summarize(payload json.RawMessage) string {
	if len(payload) == 0 || string(payload) == "null" {
		return ""
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(payload, &fields) == nil {
		for _, key := range []string{"delta", "text", "message", "decision", "command"} {
			var s string
			if raw, ok := fields[key]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
				return truncate(oneLine(s), 100)
			}
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return ""
	}
	return truncate(buf.String(), 100)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
