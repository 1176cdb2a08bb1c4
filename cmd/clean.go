package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zhubert/conductor/internal/config"
	"github.com/zhubert/conductor/internal/git"
	"github.com/zhubert/conductor/internal/ledger"
	"github.com/zhubert/conductor/internal/logger"
	"github.com/zhubert/conductor/internal/process"
	"github.com/zhubert/conductor/internal/session"
)

var skipConfirm bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove log files, orphaned worktrees, and orphaned agent processes",
	Long: `Removes log files, prunes worktrees that no longer belong to any recorded
session, and kills agent processes left behind by a previous run.

Session history in the ledger is kept. It will prompt for confirmation
before proceeding unless the --yes flag is used.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	return runCleanWithReader(os.Stdin)
}

// runCleanWithReader allows injecting a reader for testing
func runCleanWithReader(input io.Reader) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

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

	ctx := context.Background()
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("error listing sessions: %w", err)
	}

	knownFolders := make(map[string]bool)
	repoPaths := make(map[string]bool)
	ownedConversations := make(map[string]bool)
	for _, sess := range sessions {
		knownFolders[sess.Folder] = true
		repoPaths[sess.RepoPath] = true
		if sess.ProviderConversationID != "" {
			ownedConversations[sess.ProviderConversationID] = true
		}
	}
	for _, repo := range cfg.GetRepos() {
		repoPaths[repo] = true
	}

	orphanProcesses, err := process.FindOrphanedAgentProcesses(ownedConversations)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error finding orphaned processes: %v\n", err)
	}

	fmt.Println("This will clean:")
	fmt.Printf("  - Orphaned worktrees in %d repo(s)\n", len(repoPaths))
	if len(orphanProcesses) > 0 {
		fmt.Printf("  - %d orphaned agent process(es)\n", len(orphanProcesses))
		for _, proc := range orphanProcesses {
			fmt.Printf("      PID %d\n", proc.PID)
		}
	}
	fmt.Println("  - Conductor log files in /tmp")

	if !skipConfirm {
		if !confirm(input, "Continue?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	logsCleared, err := logger.ClearLogs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error clearing logs: %v\n", err)
	}

	worktrees := session.NewWorktrees(git.NewClient(), cfg.GetDefaultBranchPrefix())
	prunedWorktrees := 0
	for repo := range repoPaths {
		prunedWorktrees += worktrees.PruneOrphans(ctx, repo, knownFolders)
	}

	killedProcesses, err := process.CleanupOrphanedAgents(ownedConversations)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error killing orphaned processes: %v\n", err)
	}

	fmt.Println()
	fmt.Println("Cleaned:")
	if logsCleared > 0 {
		fmt.Printf("  - %d log file(s) removed\n", logsCleared)
	}
	if prunedWorktrees > 0 {
		fmt.Printf("  - %d orphaned worktree(s) pruned\n", prunedWorktrees)
	}
	if killedProcesses > 0 {
		fmt.Printf("  - %d orphaned agent process(es) killed\n", killedProcesses)
	}
	if logsCleared == 0 && prunedWorktrees == 0 && killedProcesses == 0 {
		fmt.Println("  - nothing needed cleaning")
	}

	return nil
}

// confirm prompts the user for y/n confirmation
func confirm(input io.Reader, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Printf("%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
