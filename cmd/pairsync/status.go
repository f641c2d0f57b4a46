package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairsync/pairsync/internal/config"
	"github.com/pairsync/pairsync/internal/journal"
	"github.com/pairsync/pairsync/internal/protocol"
	"github.com/pairsync/pairsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the recent sync message log",
	Long: `Display the most recent sync lifecycle messages from the journal.

Every pause and every resume is a distinct, timestamped message, so "why did
my sync stop" is answerable from this log alone, whether or not a session is
currently running.`,
	Run: runStatus,
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 20, "Number of messages to show")
	statusCmd.Flags().Bool("json", false, "Output raw message bodies as JSON lines")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	dir := dataDir(cmd)
	if err := config.Initialize(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	path := journal.DefaultPath(dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("%s No sync journal at %s\n", ui.RenderWarn("⚠"), path)
		fmt.Println("   Run 'pairsync run' to start a session")
		return
	}

	j, err := journal.Open(path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	entries, err := j.Recent(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading journal: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No sync messages recorded yet")
		return
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, entry := range entries {
			if err := enc.Encode(entry.Body); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		return
	}

	fmt.Printf("\n%s Sync message log (newest first)\n\n", ui.RenderAccent("⇅"))
	for _, entry := range entries {
		fmt.Printf("  %s  %s  %s%s\n",
			ui.RenderFaint(entry.SentAt.Local().Format(time.DateTime)),
			kindMarker(entry.Kind),
			string(entry.Kind),
			entryDetail(entry))
	}
	fmt.Println()
}

func kindMarker(kind protocol.Kind) string {
	switch kind {
	case protocol.KindUpdatePaused:
		return ui.RenderWarn("⚠")
	case protocol.KindUpdateCompleted, protocol.KindSetupAndEnabled:
		return ui.RenderPass("✓")
	case protocol.KindDisabled:
		return ui.RenderFaint("■")
	default:
		return ui.RenderFaint("·")
	}
}

// entryDetail pulls the human-readable fragment out of a message body:
// the description, the pause reasons, the setup step.
func entryDetail(entry journal.Entry) string {
	var body struct {
		NextStep    string   `json:"next_step"`
		Description string   `json:"description"`
		Pauses      []string `json:"pauses"`
		Reason      string   `json:"reason"`
	}
	if err := json.Unmarshal(entry.Body, &body); err != nil {
		return ""
	}

	var parts []string
	if body.NextStep != "" {
		parts = append(parts, body.NextStep)
	}
	if body.Description != "" {
		parts = append(parts, body.Description)
	}
	if body.Reason != "" {
		parts = append(parts, body.Reason)
	}
	if len(body.Pauses) > 0 {
		parts = append(parts, ui.RenderWarn(strings.Join(body.Pauses, "; ")))
	}
	if len(parts) == 0 {
		return ""
	}
	return "  " + ui.RenderFaint(strings.Join(parts, " | "))
}
