package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pairsync/pairsync/internal/config"
	"github.com/pairsync/pairsync/internal/env"
	"github.com/pairsync/pairsync/internal/journal"
	"github.com/pairsync/pairsync/internal/pairing"
	"github.com/pairsync/pairsync/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Sync a local repository against an agent sandbox until interrupted",
	Long: `Start a sync session between a local repository and an agent sandbox.

The session first validates that syncing is safe (no local-only commits, no
divergence, a clean tree), mirrors the agent's branch head into the local
clone, overwrites local file contents from the sandbox once, then keeps both
sides reconciled continuously until Ctrl+C.

The sandbox is either a directory on this machine (--sandbox) or a remote
path reached over ssh (--remote [user@]host:path). Exactly one of the two
must be given.

Examples:
  # Sync the current repo's feature branch against a local sandbox
  pairsync run --branch feature --sandbox /srv/sandboxes/task1

  # Same over ssh, with a dedicated key from the config
  pairsync run --branch feature --remote agent@sandbox-7:/workspace/repo

  # Re-attach to a known task and project identity
  pairsync run --branch feature --sandbox /srv/task1 --task 26ab... --project 9c04...`,
	Run: runRun,
}

func init() {
	runCmd.Flags().String("repo", ".", "Local repository to sync")
	runCmd.Flags().String("branch", "", "Branch to keep synced (required)")
	runCmd.Flags().String("sandbox", "", "Sandbox directory on this machine")
	runCmd.Flags().String("remote", "", "Remote sandbox as [user@]host:path")
	runCmd.Flags().String("task", "", "Task ID (default: newly generated)")
	runCmd.Flags().String("project", "", "Project ID (default: newly generated)")
	_ = runCmd.MarkFlagRequired("branch")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	repoPath, _ := cmd.Flags().GetString("repo")
	branch, _ := cmd.Flags().GetString("branch")
	sandbox, _ := cmd.Flags().GetString("sandbox")
	remote, _ := cmd.Flags().GetString("remote")

	dir := dataDir(cmd)
	if err := config.Initialize(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := log.New(config.LogWriter(dir), "[pairsync] ", log.LstdFlags)

	environment, err := buildEnvironment(sandbox, remote)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	taskID, err := idFlag(cmd, "task")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	projectID, err := idFlag(cmd, "project")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	overrides, err := config.LoadOverrides(repoPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	j, err := journal.Open(journal.DefaultPath(dir), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	service, err := pairing.New(pairing.Config{
		DataDir:     dir,
		Messenger:   j,
		Telemetry:   j,
		Debounce:    overrides.EffectiveDebounce(),
		MaxDebounce: overrides.EffectiveMaxDebounce(),
		SkipDirs:    append(config.SkipDirs(), overrides.SkipDirs...),
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := service.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	err = service.SyncToTask(ctx, pairing.Request{
		TaskID:      taskID,
		ProjectID:   projectID,
		RepoPath:    repoPath,
		Environment: environment,
		SyncBranch:  branch,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
		if serr := service.Stop(context.Background()); serr != nil {
			logger.Printf("WARNING: service stop after failed sync: %v", serr)
		}
		os.Exit(1)
	}

	fmt.Printf("%s Syncing task %s on branch %s\n", ui.RenderPass("✓"), taskID, ui.RenderAccent(branch))
	fmt.Println("Press Ctrl+C to stop...")

	<-ctx.Done()

	fmt.Println("\nStopping sync...")
	// Fresh context: the signal context is already canceled.
	if err := service.Stop(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Sync stopped\n", ui.RenderPass("✓"))
}

// buildEnvironment resolves the sandbox flags into an Environment.
func buildEnvironment(sandbox, remote string) (env.Environment, error) {
	switch {
	case sandbox != "" && remote != "":
		return nil, fmt.Errorf("--sandbox and --remote are mutually exclusive")
	case sandbox != "":
		info, err := os.Stat(sandbox)
		if err != nil {
			return nil, fmt.Errorf("sandbox directory %s: %w", sandbox, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("sandbox path %s is not a directory", sandbox)
		}
		return env.NewLocal(sandbox), nil
	case remote != "":
		host, path, ok := strings.Cut(remote, ":")
		if !ok || host == "" || path == "" {
			return nil, fmt.Errorf("invalid --remote %q, want [user@]host:path", remote)
		}
		return env.NewSSH(host, path, config.SSHKeyPath()), nil
	default:
		return nil, fmt.Errorf("one of --sandbox or --remote is required")
	}
}

// idFlag parses a UUID flag, generating a fresh ID when the flag is unset.
func idFlag(cmd *cobra.Command, name string) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return id, nil
}
