package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	purgeOlderThan time.Duration
	purgeForce     bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old finished execution records",
	Long: `Delete completed, failed and cancelled execution records older than
--older-than, with their task results and feedback. Routing rules are never
purged.

Examples:
  switchyard purge --older-than 720h
  switchyard purge --older-than 168h --force`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Age of records to delete")
	purgeCmd.Flags().BoolVarP(&purgeForce, "force", "f", false, "Skip confirmation prompt")
}

func runPurge(cmd *cobra.Command, args []string) error {
	if purgeOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if !purgeForce {
		cutoff := time.Now().Add(-purgeOlderThan)
		fmt.Printf("Delete finished executions created before %s (%s)? [y/N] ",
			cutoff.Local().Format("2006-01-02 15:04"), humanize.Time(cutoff))
		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Purge cancelled.")
			return nil
		}
	}

	n, err := db.PurgeExecutions(purgeOlderThan)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Deleted %s execution record(s)", humanize.Comma(n)), color.FgGreen)
	return nil
}
