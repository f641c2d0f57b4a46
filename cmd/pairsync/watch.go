package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pairsync/pairsync/internal/watcher"
)

// watchCmd is the sandbox half of the event tunnel: a session starts
// `pairsync watch` inside the environment and reads file events back as
// JSON lines. Hidden because it is wire plumbing, not a user command.
var watchCmd = &cobra.Command{
	Use:    "watch",
	Hidden: true,
	Short:  "Stream file events for directory trees as JSON lines",
	Run:    runWatch,
}

func init() {
	watchCmd.Flags().StringArray("root", nil, "Directory tree to watch (repeatable, required)")
	watchCmd.Flags().StringArray("skip", nil, "Extra directory name to skip (repeatable)")
	_ = watchCmd.MarkFlagRequired("root")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	roots, _ := cmd.Flags().GetStringArray("root")
	skips, _ := cmd.Flags().GetStringArray("skip")
	if len(skips) > 0 {
		skips = append(append([]string(nil), watcher.DefaultSkipDirs...), skips...)
	}

	w, err := watcher.New(skips...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Start(roots...); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	events, errs := w.Events(), w.Errors()
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev.Wire()); err != nil {
				// Stdout gone means the session on the other end hung up.
				_ = w.Stop()
				return
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}
