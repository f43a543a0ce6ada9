package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/state"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var (
	listCaller      string
	listType        string
	listStatuses    []string
	listSignature   string
	listParent      string
	listSince       time.Duration
	listUnevaluated bool
	listLimit       int
	listJSON        bool

	showJSON bool
)

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"ls"},
	Short:   "List recorded executions",
	Long: `List execution records, newest first.

Examples:
  switchyard executions --status failed --since 24h
  switchyard executions --type parallel --signature analysis:fetch,summarize
  switchyard executions --parent <routing-id>`,
	Args: cobra.NoArgs,
	RunE: runExecutions,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one execution record",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	executionsCmd.Flags().StringVar(&listCaller, "caller", "", "Only records from this caller")
	executionsCmd.Flags().StringVar(&listType, "type", "", "Only this workflow type: routing, parallel or evaluation")
	executionsCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Only these statuses (repeatable or comma-separated)")
	executionsCmd.Flags().StringVar(&listSignature, "signature", "", "Only this routing signature")
	executionsCmd.Flags().StringVar(&listParent, "parent", "", "Only children of this record")
	executionsCmd.Flags().DurationVar(&listSince, "since", 0, "Only records created within this window, e.g. 24h")
	executionsCmd.Flags().BoolVar(&listUnevaluated, "unevaluated", false, "Only records not yet evaluated")
	executionsCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum records to list, 0 for all")
	executionsCmd.Flags().BoolVar(&listJSON, "json", false, "Print records as JSON")

	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the record as JSON")
}

func runExecutions(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(listStatuses)
	if err != nil {
		return err
	}
	wt := models.WorkflowType(listType)
	if wt != "" && !wt.Valid() {
		return fmt.Errorf("unknown workflow type %q", listType)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := db.ListExecutions(state.ExecutionFilter{
		CallerID:    listCaller,
		Type:        wt,
		Statuses:    statuses,
		Signature:   listSignature,
		ParentID:    listParent,
		Since:       sinceTime(listSince, time.Now()),
		Unevaluated: listUnevaluated,
		Limit:       listLimit,
	})
	if err != nil {
		return err
	}
	if listJSON {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	fmt.Printf("%-10s %-10s %-11s %-16s %-32s %-10s %s\n", "ID", "TYPE", "STATUS", "CALLER", "SIGNATURE", "DURATION", "CREATED")
	for _, e := range list {
		fmt.Printf("%-10s %-10s %s %-16s %-32s %-10s %s\n",
			shortID(e.ID), e.Type, colorStatus(e.Status), truncate(e.CallerID, 16),
			truncate(e.Signature, 32), formatDuration(e.Duration), formatAge(e.CreatedAt))
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	e, err := resolveExecution(db, args[0])
	if err != nil {
		return err
	}
	if showJSON {
		return printJSON(e)
	}

	bold.Printf("%s execution %s\n", e.Type, e.ID)
	fmt.Printf("  Status:    %s\n", statusColor(e.Status).Sprint(e.Status))
	fmt.Printf("  Caller:    %s\n", e.CallerID)
	if e.Signature != "" {
		fmt.Printf("  Signature: %s\n", e.Signature)
	}
	if e.ParentID != "" {
		fmt.Printf("  Parent:    %s\n", e.ParentID)
	}
	fmt.Printf("  Created:   %s (%s)\n", e.CreatedAt.Local().Format(time.RFC3339), formatAge(e.CreatedAt))
	fmt.Printf("  Duration:  %s\n", formatDuration(e.Duration))
	fmt.Printf("  Evaluated: %t\n", e.Evaluated)
	if e.Error != "" {
		fmt.Printf("  Error:     %s\n", e.Error)
	}

	switch {
	case e.Routing != nil:
		fmt.Println()
		printRoute(&e.Routing.Route)
	case e.Parallel != nil:
		p := e.Parallel
		fmt.Println()
		fmt.Printf("  Coordination: %s\n", p.Coordination)
		fmt.Printf("  Policy:       max_concurrency=%d failure_handling=%s per_task_timeout=%s total_timeout=%s\n",
			p.Policy.MaxConcurrency, p.Policy.FailureHandling, p.Policy.PerTaskTimeout, p.Policy.TotalTimeout)
		fmt.Printf("  Estimate:     %s\n", formatDuration(p.EstimatedDuration))
		fmt.Printf("  Efficiency:   %.2f (utilization %s)\n", p.ParallelEfficiency, formatPercent(p.ResourceUtilization))
		if out := p.Outcome; out != nil {
			fmt.Printf("  Outcome:      success=%t\n", out.Success)
		}
		fmt.Println()
		for _, b := range p.Batches {
			marker := ""
			for _, idx := range p.Bottlenecks {
				if idx == b.Index {
					marker = warning.Sprint(" bottleneck")
				}
			}
			fmt.Printf("  batch %d: %s in %s (est. %s)%s\n", b.Index, strings.Join(b.TaskIDs, ", "), formatDuration(b.Duration), formatDuration(b.Estimated), marker)
		}
		fmt.Println()
		printResults(p.Results)
	case e.Evaluation != nil:
		fmt.Println()
		printEvaluation(e)
	}

	if e.Type != models.WorkflowEvaluation {
		children, err := db.ListExecutions(state.ExecutionFilter{ParentID: e.ID})
		if err != nil {
			return err
		}
		if len(children) > 0 {
			fmt.Println()
			fmt.Println("  Linked records:")
			for _, c := range children {
				fmt.Printf("    %s %-10s %s %s\n", shortID(c.ID), c.Type, colorStatus(c.Status), formatAge(c.CreatedAt))
			}
		}
		fb, err := db.LatestFeedback(e.ID)
		if err != nil {
			return err
		}
		if fb != nil {
			fmt.Println()
			fmt.Printf("  Feedback: rating %d/5 %s\n", fb.Rating, formatAge(fb.SubmittedAt))
			for _, c := range fb.Comments {
				fmt.Printf("    \"%s\"\n", c)
			}
			if len(fb.Issues) > 0 {
				fmt.Printf("    issues: %s\n", strings.Join(fb.Issues, ", "))
			}
		}
	}
	return nil
}

// resolveExecution accepts a full id or a unique prefix of at least 4 characters.
func resolveExecution(db *state.DB, id string) (*models.WorkflowExecution, error) {
	e, err := db.GetExecution(id)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, state.ErrNotFound) || len(id) < 4 {
		return nil, err
	}

	list, lerr := db.ListExecutions(state.ExecutionFilter{})
	if lerr != nil {
		return nil, lerr
	}
	var match *models.WorkflowExecution
	for _, c := range list {
		if strings.HasPrefix(c.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("id prefix %s is ambiguous", id)
			}
			match = c
		}
	}
	if match == nil {
		return nil, err
	}
	return match, nil
}
