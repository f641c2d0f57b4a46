// pairsync keeps a local working copy continuously reconciled with the
// working copy inside an agent sandbox: git history in both directions,
// file contents through a mutagen daemon session, with the local side
// winning conflicting simultaneous edits.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pairsync/pairsync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "pairsync",
	Short: "Keep a local repository in lockstep with an agent sandbox",
	Long: `pairsync mirrors an agent sandbox's working copy into a local clone and
back, live, while both sides keep editing.

Git history for the synced branch moves in whichever direction has new
commits; file contents flow both ways through a mutagen session with local
edits winning conflicts. Sync pauses instead of guessing whenever the two
histories diverge or the local tree is mid-operation, and resumes on its
own once the condition clears.

Common operations:
  pairsync run --repo . --branch feature --sandbox /srv/task1   Sync against a local sandbox
  pairsync run --repo . --branch feature --remote agent@box:/w  Sync over ssh
  pairsync status                                               Show the recent sync message log
  pairsync cleanup                                              Terminate leftover daemon sessions`,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
	rootCmd.PersistentFlags().String("data-dir", "", "pairsync state directory (default ~/.pairsync or PAIRSYNC_DATA_DIR)")
}

// dataDir resolves the state directory from the flag or the environment.
func dataDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		return dir
	}
	return config.DefaultDataDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
