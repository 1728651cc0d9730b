package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/highclaw/agentbridge/internal/config"
	httpapi "github.com/highclaw/agentbridge/internal/interfaces/http"
	syslogger "github.com/highclaw/agentbridge/internal/system/logger"
)

var (
	logsLines     int
	logsFollow    bool
	logsRemote    bool
	logsComponent string
)

// logsCmd 默认输出最新日志文件的末尾
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show gateway logs",
	Long: `Print the tail of the newest log file.

With --remote the recent in-memory log of a running gateway is fetched
over HTTP instead, optionally filtered by --component.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if logsRemote {
			return remoteLogs(logsLines, logsComponent)
		}
		return tailLatest(logsLines, logsFollow)
	},
}

// logsListCmd 列出所有日志文件
var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := resolveLogDir()
		files, err := syslogger.ListFiles(dir)
		if err != nil {
			return fmt.Errorf("list log files: %w", err)
		}
		if len(files) == 0 {
			fmt.Printf("No log files found in %s\n", dir)
			return nil
		}

		var total int64
		for _, f := range files {
			total += f.Size
		}
		fmt.Printf("Log files (%d, total %.1f MB):\n\n", len(files), float64(total)/1024/1024)
		for _, f := range files {
			sizeMB := float64(f.Size) / 1024 / 1024
			fmt.Printf("  %-32s  %8.2f MB  %s\n", f.Name, sizeMB, f.ModTime.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\nLog directory: %s\n", dir)
		return nil
	},
}

// logsCleanCmd 清理过期日志
var logsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up old log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := config.Load()
		if cfg == nil {
			cfg = config.Default()
		}

		maxAge := cfg.Log.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}

		mgr, err := syslogger.New(syslogger.Config{
			Dir:        cfg.Log.Dir,
			MaxAgeDays: maxAge,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
		})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer mgr.Close()

		removed, err := mgr.Cleanup()
		if err != nil {
			return fmt.Errorf("cleanup logs: %w", err)
		}
		if removed == 0 {
			fmt.Println("No expired log files to clean.")
		} else {
			fmt.Printf("Removed %d expired log files (older than %d days)\n", removed, maxAge)
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep printing new lines")
	logsCmd.Flags().BoolVar(&logsRemote, "remote", false, "Fetch recent logs from the running gateway")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "With --remote: only this component (gateway, rpc, hub, http, store)")
	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsCleanCmd)
}

func tailLatest(lines int, follow bool) error {
	dir := resolveLogDir()
	files, err := syslogger.ListFiles(dir)
	if err != nil {
		return fmt.Errorf("list log files: %w", err)
	}
	if len(files) == 0 {
		fmt.Printf("No log files found in %s\n", dir)
		return nil
	}

	latest := files[0].Path
	result, err := syslogger.TailFile(latest, lines)
	if err != nil {
		return err
	}
	for _, line := range result {
		fmt.Println(line)
	}

	if !follow {
		return nil
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	done := make(chan struct{})
	go func() {
		<-stop
		close(done)
	}()

	return syslogger.FollowFile(latest, os.Stdout, done)
}

func remoteLogs(lines int, component string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(lines))
	if component != "" {
		q.Set("component", component)
	}
	var resp struct {
		Entries []httpapi.LogEntry `json:"entries"`
	}
	if err := newAPIClient().get(context.Background(), "/api/logs?"+q.Encode(), &resp); err != nil {
		return err
	}
	for _, e := range resp.Entries {
		fmt.Println(formatLogEntry(e))
	}
	return nil
}

func formatLogEntry(e httpapi.LogEntry) string {
	var b strings.Builder
	b.WriteString(e.Time.Local().Format("15:04:05.000"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%-5s", e.Level))
	if e.Component != "" {
		b.WriteString(" [" + e.Component + "]")
	}
	b.WriteString(" " + e.Message)
	for k, v := range e.Attrs {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

func resolveLogDir() string {
	cfg, _ := config.Load()
	if cfg != nil && strings.TrimSpace(cfg.Log.Dir) != "" {
		return cfg.Log.Dir
	}
	return syslogger.DefaultDir()
}
