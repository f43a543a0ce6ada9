package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	metricsBucket time.Duration
	metricsSince  time.Duration
	metricsCaps   bool
	metricsJSON   bool
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print execution metrics per workflow type and time bucket",
	Args:  cobra.NoArgs,
	RunE:  runMetrics,
}

func init() {
	metricsCmd.Flags().DurationVar(&metricsBucket, "bucket", 0, "Bucket width (default metrics.bucket)")
	metricsCmd.Flags().DurationVar(&metricsSince, "since", 24*time.Hour, "How far back to look")
	metricsCmd.Flags().BoolVar(&metricsCaps, "capabilities", false, "Also print per-capability invocation counts")
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Print buckets as JSON")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	bucket := metricsBucket
	if bucket <= 0 {
		bucket = cfg.Metrics.Bucket
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	now := time.Now()
	since := sinceTime(metricsSince, now)
	buckets, err := db.MetricsSnapshot(bucket, since)
	if err != nil {
		return err
	}
	if metricsJSON {
		return printJSON(buckets)
	}

	if len(buckets) == 0 {
		fmt.Println("No finished executions in this window.")
	} else {
		fmt.Printf("%-20s %-11s %7s %7s %8s %10s %10s\n", "BUCKET", "TYPE", "TOTAL", "OK", "SUCCESS", "AVG TIME", "EFFICIENCY")
		for _, b := range buckets {
			eff := "-"
			if b.AvgEfficiency > 0 {
				eff = fmt.Sprintf("%.2f", b.AvgEfficiency)
			}
			fmt.Printf("%-20s %-11s %7s %7s %8s %10s %10s\n",
				b.Start.Local().Format("2006-01-02 15:04"), b.Type, humanize.Comma(int64(b.Total)), humanize.Comma(int64(b.Succeeded)),
				formatPercent(b.SuccessRate), formatDuration(b.AvgDuration), eff)
		}
	}

	if !metricsCaps {
		return nil
	}
	usage, err := db.CapabilityUsage(since, now)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	fmt.Printf("%-24s %12s %8s %10s\n", "CAPABILITY", "INVOCATIONS", "SUCCESS", "AVG TIME")
	for _, name := range names {
		stat, err := db.CapabilityStats(name, since)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %12s %8s %10s\n", truncate(name, 24), humanize.Comma(int64(usage[name])),
			formatPercent(stat.SuccessRate), formatDuration(stat.AvgDuration))
	}
	return nil
}
