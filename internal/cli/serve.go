package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/highclaw/agentbridge/internal/config"
	"github.com/highclaw/agentbridge/internal/gateway"
	"github.com/highclaw/agentbridge/internal/hub"
	"github.com/highclaw/agentbridge/internal/infra"
	httpapi "github.com/highclaw/agentbridge/internal/interfaces/http"
	"github.com/highclaw/agentbridge/internal/store"
	syslogger "github.com/highclaw/agentbridge/internal/system/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent and the browser gateway",
	Long: `Start the agent subprocess and the HTTP + WebSocket gateway.

The agent is restarted with backoff if it fails to start or exits.

Default: http://127.0.0.1:18795`,
	RunE: runServe,
}

var (
	servePort    int
	serveBind    string
	serveAgent   string
	serveWorkDir string
	serveVerbose bool
)

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 18795, "Listen port")
	serveCmd.Flags().StringVar(&serveBind, "bind", "loopback", "Bind mode: loopback, all or a host")
	serveCmd.Flags().StringVar(&serveAgent, "agent-bin", "", "Agent binary (overrides agent.binary)")
	serveCmd.Flags().StringVar(&serveWorkDir, "workdir", "", "Agent working directory")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Enable debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("bind") {
		cfg.Server.Bind = serveBind
	}
	if serveAgent != "" {
		cfg.Agent.Binary = serveAgent
	}
	if serveWorkDir != "" {
		cfg.Agent.WorkDir = serveWorkDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := syslogger.ParseLevel(cfg.Log.Level)
	if serveVerbose {
		level = slog.LevelDebug
	}
	logs, err := syslogger.New(syslogger.Config{
		Dir:           cfg.Log.Dir,
		Level:         level,
		MaxAgeDays:    cfg.Log.MaxAgeDays,
		MaxSizeMB:     cfg.Log.MaxSizeMB,
		StderrEnabled: cfg.Log.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logs.Close()

	logBuf := httpapi.NewLogBuffer(1000)
	logger := slog.New(httpapi.NewLogBufferHandler(
		slog.NewTextHandler(logs, &slog.HandlerOptions{Level: level}), logBuf))
	slog.SetDefault(logger)

	if removed, err := logs.Cleanup(); err != nil {
		logger.Warn("log cleanup failed", "error", err)
	} else if removed > 0 {
		logger.Info("removed expired log files", "count", removed)
	}

	st, err := store.Open(store.Config{Dir: cfg.Store.Dir, RetentionDays: cfg.Store.RetentionDays})
	if err != nil {
		return err
	}
	if cfg.Store.RetentionDays > 0 {
		if n, err := st.PruneEvents(context.Background(), cfg.Store.RetentionDays); err != nil {
			logger.Warn("prune events failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned old events", "count", n, "retentionDays", cfg.Store.RetentionDays)
		}
	}

	h := hub.New(logger)
	gw := gateway.New(gateway.Config{
		Binary:        cfg.Agent.Binary,
		Args:          cfg.Agent.Args,
		WorkDir:       cfg.Agent.WorkDir,
		HomeDir:       cfg.Agent.HomeDir,
		ClientName:    cfg.Agent.ClientName,
		ClientVersion: firstNonEmpty(cfg.Agent.ClientVersion, version),
		StopGrace:     cfg.Agent.StopGraceDuration(),
	}, st, h, logger)

	srv := httpapi.NewServer(httpapi.Options{
		Addr:           cfg.Server.Addr(),
		Mode:           cfg.Server.Mode,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
		LogBuffer:      logBuf,
		RateLimit:      cfg.Server.RateLimit,
	}, gw, st, h, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra.PrintBanner(os.Stdout, version, cfg.Server.Addr(), cfg.Agent.Binary)
	logger.Info("starting agentbridge",
		"version", version,
		"addr", cfg.Server.Addr(),
		"agent", cfg.Agent.Binary,
		"db", st.DBPath(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		superviseAgent(gctx, gw, logger, time.Second, 30*time.Second)
		return nil
	})
	runErr := g.Wait()

	// 关闭顺序: 先断开浏览器, 再停 agent, 最后关库
	h.CloseAll()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.StopGraceDuration()+5*time.Second)
	if err := gw.Stop(stopCtx); err != nil {
		logger.Warn("stop agent", "error", err)
	}
	cancel()
	if err := st.Close(); err != nil {
		logger.Warn("close store", "error", err)
	}
	logger.Info("agentbridge stopped")
	return runErr
}

// agentSession is the part of the gateway the supervisor drives.
type agentSession interface {
	Start(ctx context.Context) error
	Done() <-chan struct{}
}

// superviseAgent keeps an agent session running until ctx is done. Failed
// starts and exits are retried with doubling backoff; a session that stayed
// up for a minute resets it.
func superviseAgent(ctx context.Context, gw agentSession, logger *slog.Logger, minBackoff, maxBackoff time.Duration) {
	backoff := minBackoff
	for {
		started := time.Now()
		err := gw.Start(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("agent start failed", "error", err, "retryIn", backoff)
		} else if done := gw.Done(); done != nil {
			select {
			case <-ctx.Done():
				return
			case <-done:
			}
			if time.Since(started) > time.Minute {
				backoff = minBackoff
			}
			logger.Warn("agent exited, restarting", "retryIn", backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
