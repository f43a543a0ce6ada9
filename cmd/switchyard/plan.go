package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/orchestrator"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var planJSON bool

var planCmd = &cobra.Command{
	Use:   "plan <workflow.yaml>",
	Short: "Show the route a workflow would take",
	Long: `Plan the work request in a workflow file and print the selected route,
its alternatives and the tasks the scheduler would run. Nothing is executed
or recorded.

Workflows that list explicit tasks are not planned; their tasks are shown
as given.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the route as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	wf, err := orchestrator.LoadWorkflow(args[0])
	if err != nil {
		return err
	}
	if len(wf.Tasks) > 0 {
		if planJSON {
			return printJSON(wf.Tasks)
		}
		fmt.Printf("Explicit tasks (%d), no routing\n", len(wf.Tasks))
		printTasks(wf.Tasks)
		return nil
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	route, tasks, err := a.orch.Plan(context.Background(), wf)
	if err != nil {
		return err
	}
	if planJSON {
		return printJSON(route)
	}

	printRoute(route)
	fmt.Println()
	bold.Println("Tasks")
	printTasks(tasks)
	return nil
}

func printRoute(r *models.Route) {
	source := "default route"
	if r.RuleVersion > 0 {
		source = fmt.Sprintf("rule v%d", r.RuleVersion)
	}
	bold.Printf("Route %s\n", r.Signature)
	fmt.Printf("  Source:     %s\n", source)
	fmt.Printf("  Confidence: %.2f\n", r.Confidence)
	fmt.Printf("  Estimate:   %s\n", formatDuration(r.EstimatedDuration))
	fmt.Printf("  Risk:       %s\n", r.Risk.Level)
	for _, f := range r.Risk.Factors {
		fmt.Printf("    - %s\n", f)
	}
	for _, m := range r.Risk.Mitigations {
		dim.Printf("    mitigation: %s\n", m)
	}
	if r.Description != "" {
		fmt.Printf("  %s\n", r.Description)
	}

	fmt.Println()
	fmt.Printf("  %-5s %-24s %-8s %-10s %-6s %s\n", "ORDER", "CAPABILITY", "PARALLEL", "ESTIMATE", "CONF", "DEPENDS ON")
	for _, s := range r.Steps {
		fmt.Printf("  %-5d %-24s %-8t %-10s %-6.2f %s\n",
			s.Order, truncate(s.Capability, 24), s.Parallel, formatDuration(s.EstimatedDuration), s.Confidence, strings.Join(s.DependsOn, ", "))
	}

	if len(r.Alternatives) > 0 {
		fmt.Println()
		fmt.Println("  Alternatives:")
		for _, alt := range r.Alternatives {
			fmt.Printf("    #%d %s (confidence %.2f, %s, risk %s)\n",
				alt.Rank, strings.Join(alt.Capabilities(), " -> "), alt.Confidence, formatDuration(alt.EstimatedDuration), alt.Risk.Level)
		}
	}
}

func printTasks(tasks []models.Task) {
	fmt.Printf("  %-20s %-24s %-10s %-10s %s\n", "ID", "CAPABILITY", "ESTIMATE", "IDEMPOTENT", "DEPENDS ON")
	for _, t := range tasks {
		capName := t.Capability
		if capName == "" {
			capName = t.ID
		}
		fmt.Printf("  %-20s %-24s %-10s %-10t %s\n",
			truncate(t.ID, 20), truncate(capName, 24), formatDuration(t.EstimatedDuration), t.Idempotent, strings.Join(t.DependsOn, ", "))
	}
}
