package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/capability"
	"github.com/ShayCichocki/switchyard/internal/metrics"
	"github.com/ShayCichocki/switchyard/internal/notify"
	"github.com/ShayCichocki/switchyard/internal/state"
)

var (
	serveListen     string
	serveStaleAfter time.Duration
	serveNoSweep    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background services",
	Long: `Run the long-lived side of switchyard until interrupted:

  - closes executions left pending or in progress by a crashed process
  - evaluates finished runs on evaluation.sweep_schedule
  - exports Prometheus metrics on metrics.listen at /metrics
  - publishes status changes to NATS when nats.url is set
  - reloads the capability catalog on change when capabilities.watch is set`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Metrics listen address (default metrics.listen)")
	serveCmd.Flags().DurationVar(&serveStaleAfter, "stale-after", 10*time.Minute, "Age after which an unfinished execution counts as interrupted")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "Do not run the evaluation sweep")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	recovered, err := a.store.RecoverInterrupted(serveStaleAfter)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		printStatus("⚠", fmt.Sprintf("Marked %d interrupted execution(s) as failed", len(recovered)), color.FgYellow)
	}

	// Events are only consumed so the emitter never blocks.
	go func() {
		for range a.orch.Events() {
		}
	}()

	if cfg.Capabilities.Watch && cfg.Capabilities.Catalog != "" {
		watcher, err := capability.WatchCatalog(cfg.Capabilities.Catalog, a.registry, a.runner, func(err error) {
			if err != nil {
				log.Printf("[serve] WARNING: catalog reload failed: %v", err)
				return
			}
			log.Printf("[serve] catalog reloaded: %d capabilities", len(a.registry.Names()))
		})
		if err != nil {
			return fmt.Errorf("watch catalog: %w", err)
		}
		defer watcher.Close()
		printStatus("✓", "Watching "+cfg.Capabilities.Catalog, color.FgGreen)
	}

	if !serveNoSweep {
		sweeper, err := a.orch.Evaluator().NewSweeper(cfg.Evaluation.SweepSchedule)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
		printStatus("✓", "Evaluation sweep "+cfg.Evaluation.SweepSchedule, color.FgGreen)
	}

	if cfg.NATS.URL != "" {
		conn, err := notify.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		pub := notify.NewPublisher(conn, cfg.NATS.SubjectPrefix)
		pub.Attach(a.store, state.StatusFilter{})
		defer pub.Close()
		printStatus("✓", "Publishing status changes to "+cfg.NATS.URL, color.FgGreen)
	}

	listen := serveListen
	if listen == "" {
		listen = cfg.Metrics.Listen
	}
	collector := metrics.New(a.store, cfg.Metrics.Bucket)
	collector.Start()
	defer collector.Close()
	go collector.Run(ctx, cfg.Metrics.SnapshotInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- collector.Serve(ctx, listen) }()
	printStatus("✓", fmt.Sprintf("Metrics on http://%s/metrics", displayAddr(listen)), color.FgGreen)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// displayAddr fills in localhost for a listen address without a host.
func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
