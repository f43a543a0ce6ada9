package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/orchestrator"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var (
	runJSON   bool
	runQuiet  bool
	runCaller string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Plan and run a workflow",
	Long: `Run a workflow file end to end.

The work request is routed to a sequence of capabilities, the resulting
tasks run in dependency order with bounded parallelism, and their results
are resolved under the workflow's coordination policy. Workflows that list
explicit tasks skip routing.

The run is recorded in the store whatever its outcome. Interrupting the
command (Ctrl+C) cancels the run cooperatively and records it as cancelled.

Example workflow:

  caller: nightly-report
  request:
    task_type: analysis
    complexity: 0.4
    priority: high
    required_capabilities: [fetch, summarize]
    parallelizable: true
  params:
    fetch: {url: "https://example.com/data.json"}
  execution:
    max_concurrency: 2
    failure_handling: retry_failed
  coordination: all_complete`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the execution record as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print progress events")
	runCmd.Flags().StringVar(&runCaller, "caller", "", "Override the workflow's caller id")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	wf, err := orchestrator.LoadWorkflow(args[0])
	if err != nil {
		return err
	}
	if runCaller != "" {
		wf.CallerID = runCaller
	}
	if wf.CallerID == "" {
		wf.CallerID = "cli"
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nReceived interrupt, cancelling run...")
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range a.orch.Events() {
			if !runQuiet && !runJSON {
				printEvent(ev)
			}
		}
	}()

	var result *orchestrator.Result
	if len(wf.Tasks) > 0 {
		result, err = a.orch.RunTasks(ctx, wf)
	} else {
		result, err = a.orch.Execute(ctx, wf)
	}

	// Closing the orchestrator ends the event stream.
	a.orch.Close()
	wg.Wait()

	if err != nil {
		return err
	}
	if runJSON {
		if err := printJSON(result.Run); err != nil {
			return err
		}
	} else {
		printRunSummary(result)
	}

	if result.Run.Status != models.ExecutionCompleted {
		return fmt.Errorf("execution %s %s", result.Run.ID, result.Run.Status)
	}
	return nil
}

func printEvent(ev orchestrator.OrchestratorEvent) {
	ts := dim.Sprint(ev.Timestamp.Format("15:04:05.000"))
	switch ev.Type {
	case orchestrator.EventRoutePlanned:
		fmt.Printf("%s route planned %s\n", ts, ev.Message)
	case orchestrator.EventExecutionStarted:
		fmt.Printf("%s run %s started %s\n", ts, shortID(ev.ExecutionID), ev.Message)
	case orchestrator.EventTaskStarted:
		fmt.Printf("%s %s %s (%s)\n", ts, color.YellowString("▶"), ev.TaskID, ev.Capability)
	case orchestrator.EventTaskCompleted:
		fmt.Printf("%s %s %s %s\n", ts, color.GreenString("✓"), ev.TaskID, dim.Sprint(formatDuration(ev.Duration)))
	case orchestrator.EventTaskFailed:
		fmt.Printf("%s %s %s: %s\n", ts, color.RedString("✗"), ev.TaskID, ev.Message)
	case orchestrator.EventTaskSkipped:
		fmt.Printf("%s %s %s skipped\n", ts, dim.Sprint("-"), ev.TaskID)
	case orchestrator.EventTaskCancelled:
		fmt.Printf("%s %s %s cancelled\n", ts, color.MagentaString("■"), ev.TaskID)
	case orchestrator.EventExecutionFinished:
		fmt.Printf("%s run %s %s\n", ts, shortID(ev.ExecutionID), statusColor(models.ExecutionStatus(ev.Status)).Sprint(ev.Status))
	case orchestrator.EventEvaluationCompleted:
		fmt.Printf("%s evaluation %s %s\n", ts, shortID(ev.ExecutionID), ev.Message)
	}
}

func printRunSummary(r *orchestrator.Result) {
	run := r.Run
	fmt.Println()
	if r.Routing != nil {
		fmt.Printf("Routing:  %s\n", r.Routing.ID)
	}
	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", statusColor(run.Status).Sprint(run.Status))
	fmt.Printf("Duration: %s\n", formatDuration(run.Duration))
	if p := run.Parallel; p != nil {
		fmt.Printf("Batches:  %d (efficiency %.2f, utilization %s)\n", len(p.Batches), p.ParallelEfficiency, formatPercent(p.ResourceUtilization))
		if out := p.Outcome; out != nil {
			fmt.Printf("Outcome:  %s, success=%t\n", out.Policy, out.Success)
			if c := out.Consensus; c != nil {
				line := fmt.Sprintf("          agreement %s", formatPercent(c.Agreement))
				if c.WeightedAgreement != nil {
					line += fmt.Sprintf(", weighted %s", formatPercent(*c.WeightedAgreement))
				}
				if len(c.Dissenting) > 0 {
					line += ", dissenting: " + strings.Join(c.Dissenting, ", ")
				}
				fmt.Println(line)
			}
			if len(out.FinalResult) > 0 {
				fmt.Printf("Result:   %s\n", truncate(string(out.FinalResult), 200))
			}
		}
		fmt.Println()
		printResults(p.Results)
	}
	if run.Error != "" {
		fmt.Println()
		color.Red("Error: %s", run.Error)
	}
}

func printResults(results []models.TaskResult) {
	fmt.Printf("  %-20s %-20s %-10s %-8s %-10s %s\n", "TASK", "CAPABILITY", "STATUS", "ATTEMPTS", "DURATION", "ERROR")
	for _, res := range results {
		errText := res.Error
		if res.ErrorKind != models.ErrorKindNone && errText == "" {
			errText = string(res.ErrorKind)
		}
		fmt.Printf("  %-20s %-20s %s %-8d %-10s %s\n",
			truncate(res.TaskID, 20), truncate(res.Capability, 20),
			taskColor(res.Status).Sprintf("%-10s", res.Status),
			res.Attempts, formatDuration(res.ExecutionTime), truncate(errText, 60))
	}
}
