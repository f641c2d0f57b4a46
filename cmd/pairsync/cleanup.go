package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pairsync/pairsync/internal/config"
	"github.com/pairsync/pairsync/internal/mutagen"
	"github.com/pairsync/pairsync/internal/session"
	"github.com/pairsync/pairsync/internal/ui"
)

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: "maint",
	Short:   "Terminate leftover sync daemon sessions",
	Long: `List and terminate pairsync daemon sessions the managed mutagen daemon
still carries.

Sessions survive a crash of the pairsync process; a leftover session keeps
syncing (or keeps failing) against trees nobody is watching, and blocks the
next session for the same project. Cleanup terminates every session whose
name carries the pairsync prefix after an interactive confirmation.

Examples:
  pairsync cleanup            # list, confirm, terminate
  pairsync cleanup --force    # terminate without asking
  pairsync cleanup --daemon   # also stop the managed mutagen daemon`,
	Run: runCleanup,
}

func init() {
	cleanupCmd.Flags().Bool("force", false, "Skip the confirmation prompt")
	cleanupCmd.Flags().Bool("daemon", false, "Also stop the managed mutagen daemon afterwards")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")
	stopDaemon, _ := cmd.Flags().GetBool("daemon")

	dir := dataDir(cmd)
	if err := config.Initialize(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := log.New(config.LogWriter(dir), "[cleanup] ", log.LstdFlags)
	runner := mutagen.NewRunner(dir, nil, logger)
	ctx := context.Background()

	names, err := mutagen.ListSessionNames(ctx, runner, session.SessionPrefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Printf("%s No pairsync sessions to clean up\n", ui.RenderPass("✓"))
		if stopDaemon {
			mutagen.StopDaemon(ctx, runner, dir, logger)
		}
		return
	}

	fmt.Printf("%s Found %d pairsync session(s):\n", ui.RenderWarn("⚠"), len(names))
	for _, name := range names {
		fmt.Printf("   %s\n", name)
	}

	if !force {
		confirmed := false
		prompt := huh.NewConfirm().
			Title(fmt.Sprintf("Terminate %d session(s)?", len(names))).
			Description("Any running sync using them will stop.").
			Affirmative("Terminate").
			Negative("Cancel").
			Value(&confirmed)
		if err := prompt.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !confirmed {
			fmt.Println("Cleanup cancelled")
			return
		}
	}

	failures := 0
	for _, name := range names {
		if err := mutagen.TerminateSession(ctx, runner, name); err != nil {
			fmt.Fprintf(os.Stderr, "%s Failed to terminate %s: %v\n", ui.RenderFail("✗"), name, err)
			failures++
			continue
		}
		fmt.Printf("%s Terminated %s\n", ui.RenderPass("✓"), name)
	}

	if stopDaemon {
		mutagen.StopDaemon(ctx, runner, dir, logger)
	}
	if failures > 0 {
		os.Exit(1)
	}
}
