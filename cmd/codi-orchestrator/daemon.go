package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/laynepenney/codi-sub005/internal/config"
	"github.com/laynepenney/codi-sub005/internal/console"
	"github.com/laynepenney/codi-sub005/internal/debuglog"
	"github.com/laynepenney/codi-sub005/internal/orchestrator"
	"github.com/laynepenney/codi-sub005/internal/webui"
)

// runDaemon launches the orchestrator: binds its transport, wires the
// chosen operator console, and blocks until interrupted.
func runDaemon(cmd *cobra.Command) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	consoleKind, _ := cmd.Flags().GetString("console")
	var term *console.Console
	var web *webui.Server

	switch consoleKind {
	case "term":
		term = console.New()
		cfg.OnPermissionRequest = term.RequestPermission
	case "web":
		addr, _ := cmd.Flags().GetString("web-addr")
		host, port := splitAddr(addr)
		web = webui.New(host, port)
		cfg.OnPermissionRequest = web.RequestPermission
	case "none":
		// fail-closed: cfg.OnPermissionRequest stays nil.
	default:
		return fmt.Errorf("unknown --console value %q (want term, web, or none)", consoleKind)
	}

	o := orchestrator.New(cfg)
	if err := o.Start(); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	if web != nil {
		web.Diff = o.WorkspaceDiff
		if err := web.Start(); err != nil {
			return fmt.Errorf("starting web console: %w", err)
		}
		go web.BroadcastEvents(o.Events())
		fmt.Fprintf(os.Stderr, "web console listening on %s\n", web.Addr())
	} else {
		go drainEvents(o.Events())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if term != nil {
		go func() {
			<-ctx.Done()
			term.Stop()
		}()
		if err := term.Run(); err != nil {
			debuglog.LogKV("cli", "console exited with error", "error", err)
		}
	} else {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := o.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping orchestrator: %w", err)
	}
	if web != nil {
		web.Shutdown(shutdownCtx)
	}
	return nil
}

// drainEvents discards orchestrator events when no console is consuming
// them directly, keeping the guaranteed-delivery channel from filling up.
func drainEvents(events <-chan orchestrator.Event) {
	for range events {
	}
}

func configFromFlags(cmd *cobra.Command) (config.Config, error) {
	socketPath, _ := cmd.Flags().GetString("socket-path")
	maxWorkers, _ := cmd.Flags().GetInt("max-workers")
	repoRoot, _ := cmd.Flags().GetString("repo-root")
	worktreeDir, _ := cmd.Flags().GetString("worktree-dir")
	worktreePrefix, _ := cmd.Flags().GetString("worktree-prefix")
	baseBranch, _ := cmd.Flags().GetString("base-branch")
	maxRestarts, _ := cmd.Flags().GetInt("max-restarts")
	cleanupOnExit, _ := cmd.Flags().GetBool("cleanup-on-exit")
	staleAge, _ := cmd.Flags().GetDuration("stale-worktree-age")

	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("resolving repo root: %w", err)
		}
		repoRoot = wd
	}
	exe, err := os.Executable()
	if err != nil {
		return config.Config{}, fmt.Errorf("resolving own executable: %w", err)
	}

	return config.Config{
		SocketPath:       socketPath,
		MaxWorkers:       maxWorkers,
		WorktreeDir:      worktreeDir,
		WorktreePrefix:   worktreePrefix,
		BaseBranch:       baseBranch,
		CleanupOnExit:    cleanupOnExit,
		MaxRestarts:      maxRestarts,
		RepoRoot:         repoRoot,
		ChildExecutable:  exe,
		StaleWorktreeAge: staleAge,
	}.WithDefaults(), nil
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", 8787
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 8787
	}
	return host, port
}
