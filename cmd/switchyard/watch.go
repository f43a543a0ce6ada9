package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/tui"
)

var (
	watchInterval time.Duration
	watchLimit    int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of recent executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		program, _ := tui.NewWatchProgram(db, watchInterval, watchLimit)
		_, err = program.Run()
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Refresh interval")
	watchCmd.Flags().IntVarP(&watchLimit, "limit", "n", 50, "Executions to show")
}
