package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/laynepenney/codi-sub005/internal/debuglog"
)

var rootCmd = &cobra.Command{
	Use:   "codi-orchestrator",
	Short: "Multi-agent orchestrator for Codi",
	Long: `codi-orchestrator supervises worker and reader child processes,
each running in its own git worktree, and brokers operator permission
decisions between them.

Run with no flags to launch the orchestrator daemon. --child-mode and
--reader-mode are set internally when this same executable is re-exec'd
as a spawned child — they are not meant to be passed by hand.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		childMode, _ := cmd.Flags().GetBool("child-mode")
		readerMode, _ := cmd.Flags().GetBool("reader-mode")
		if childMode || readerMode {
			return runChild(cmd, readerMode)
		}
		return runDaemon(cmd)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	// Child-runtime flags. These mirror supervisor.buildArgs's exact
	// contract — the supervisor invokes this same executable with these
	// flat flags, never a subcommand.
	rootCmd.Flags().Bool("child-mode", false, "internal: run as a worker child")
	rootCmd.Flags().Bool("reader-mode", false, "internal: run as a reader child")
	rootCmd.Flags().String("child-id", "", "internal: this child's id")
	rootCmd.Flags().String("child-task", "", "internal: this child's task description")
	rootCmd.Flags().String("model", "", "internal: model to use")
	rootCmd.Flags().String("provider", "", "internal: provider to use")
	rootCmd.Flags().String("auto-approve", "", "internal: comma-separated pre-approved tool names")
	for _, name := range []string{"child-mode", "reader-mode", "child-id", "child-task", "model", "provider", "auto-approve"} {
		rootCmd.Flags().MarkHidden(name)
	}

	// Daemon launch flags.
	rootCmd.Flags().String("socket-path", "", "IPC socket path (default ~/.codi/orchestrator.sock)")
	rootCmd.Flags().Int("max-workers", 4, "maximum concurrent workers")
	rootCmd.Flags().String("repo-root", "", "repository root (default: current directory)")
	rootCmd.Flags().String("worktree-dir", "", "directory worker worktrees are created under")
	rootCmd.Flags().String("worktree-prefix", "", "branch name prefix for worker worktrees")
	rootCmd.Flags().String("base-branch", "", "branch worker worktrees fork from")
	rootCmd.Flags().Int("max-restarts", 2, "maximum restart attempts for a transiently-lost child")
	rootCmd.Flags().Bool("cleanup-on-exit", true, "destroy worktrees on shutdown")
	rootCmd.Flags().Duration("stale-worktree-age", 0, "prune leftover worker worktrees older than this on startup (0 disables)")
	rootCmd.Flags().String("console", "term", `operator console: "term", "web", or "none"`)
	rootCmd.Flags().String("web-addr", "127.0.0.1:8787", "listen address for --console=web")
	rootCmd.Flags().Bool("debug", false, "enable verbose debug logging to ~/.codi/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag {
			return nil
		}
		logPath, err := debuglog.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "[debug] logging to %s\n", logPath)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debuglog.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
