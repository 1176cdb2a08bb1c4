package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhubert/conductor/internal/config"
	"github.com/zhubert/conductor/internal/engine"
	"github.com/zhubert/conductor/internal/events"
	"github.com/zhubert/conductor/internal/git"
	"github.com/zhubert/conductor/internal/ledger"
	"github.com/zhubert/conductor/internal/logger"
	"github.com/zhubert/conductor/internal/notification"
	"github.com/zhubert/conductor/internal/session"
)

var (
	debugMode             bool
	quietMode             bool
	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Orchestration engine for concurrent AI coding agent sessions",
	Long: `Conductor runs multiple AI coding agent sessions in parallel, each in its
own git worktree. Turns within a session run one at a time in submission
order, sessions progress independently, and finished branches are squash
merged into the base branch through a serial merge queue.`,
	RunE:          runEngine,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", true, "Enable debug logging (on by default)")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Reduce logging to info level only")
}

func initLogging() {
	if quietMode {
		logger.SetDebug(false)
	} else if debugMode {
		logger.SetDebug(true)
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	return rootCmd.Execute()
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("conductor %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("conductor %s\n", version)
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	defer logger.Close()

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath, err = config.DefaultDatabasePath()
		if err != nil {
			return fmt.Errorf("error resolving database path: %w", err)
		}
	}

	store, err := ledger.Open(dbPath)
	if err != nil {
		return fmt.Errorf("error opening ledger: %w", err)
	}
	defer store.Close()

	eng := engine.New(cfg, store, git.NewClient())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("error starting engine: %w", err)
	}

	go notifyLoop(ctx, eng, cfg, eng.Subscribe())

	fmt.Printf("conductor running (db: %s). Press Ctrl-C to stop.\n", dbPath)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return eng.Shutdown(shutdownCtx)
}

// notifyLoop turns session status transitions into desktop notifications.
// A merge outcome is recognized by the previous status being merging;
// any other arrival at review means a turn finished and awaits the user.
func notifyLoop(ctx context.Context, eng *engine.Engine, cfg *config.Config, evs <-chan events.Event) {
	limiter := notification.NewLimiter(30 * time.Second)
	lastStatus := make(map[string]string)

	for ev := range evs {
		if ev.Type != events.SessionStatusChanged {
			continue
		}
		prev := lastStatus[ev.SessionID]
		lastStatus[ev.SessionID] = ev.Status

		if !cfg.GetNotificationsEnabled() {
			continue
		}

		title := sessionTitle(ctx, eng, ev.SessionID)
		switch {
		case ev.Status == string(session.StatusDone) && prev == string(session.StatusMerging):
			_ = notification.MergeCompleted(title)
		case ev.Status == string(session.StatusReview) && prev == string(session.StatusMerging):
			_ = notification.MergeFailed(title)
		case ev.Status == string(session.StatusReview) && prev != string(session.StatusReview):
			if limiter.Allow(ev.SessionID) {
				_ = notification.SessionReady(title)
			}
		}

		if ev.Status == string(session.StatusDone) {
			delete(lastStatus, ev.SessionID)
		}
	}
}

func sessionTitle(ctx context.Context, eng *engine.Engine, sessionID string) string {
	sess, err := eng.Session(ctx, sessionID)
	if err != nil || sess.Title == "" {
		return session.ShortID(sessionID)
	}
	return sess.Title
}
