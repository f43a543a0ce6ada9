package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/internal/evaluation"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

var (
	feedbackRating   int
	feedbackComments []string
	feedbackIssues   []string

	evaluateJSON bool
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <id>",
	Short: "Rate a finished execution",
	Long: `Record user feedback for a finished execution.

The rating is 1 (poor) to 5 (excellent). Issues are free-form tags; the
high_latency issue makes the evaluation propose running slow steps first,
and a rating of 2 or less proposes a confidence decrement. When
evaluation.evaluate_on_feedback is set the execution is evaluated at once,
otherwise the serve sweep picks it up.`,
	Args: cobra.ExactArgs(1),
	RunE: runFeedback,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <id>",
	Short: "Evaluate a finished execution now",
	Long: `Score a finished run and propose routing rule changes.

A routing record is evaluated through its parallel run. The latest stored
feedback for the run, if any, is taken into account. Proposals are not
applied; use 'switchyard rules apply <evaluation-id> <index>'.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func init() {
	feedbackCmd.Flags().IntVarP(&feedbackRating, "rating", "r", 0, "Rating from 1 to 5 (required)")
	feedbackCmd.Flags().StringArrayVarP(&feedbackComments, "comment", "m", nil, "Comment (repeatable)")
	feedbackCmd.Flags().StringSliceVar(&feedbackIssues, "issue", nil, "Issue tag, e.g. high_latency (repeatable or comma-separated)")
	feedbackCmd.MarkFlagRequired("rating")

	evaluateCmd.Flags().BoolVar(&evaluateJSON, "json", false, "Print the evaluation record as JSON")
}

func runFeedback(cmd *cobra.Command, args []string) error {
	fb := models.Feedback{
		Rating:      feedbackRating,
		Comments:    feedbackComments,
		Issues:      feedbackIssues,
		SubmittedAt: time.Now(),
	}
	if err := fb.Validate(); err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := resolveExecution(a.store, args[0])
	if err != nil {
		return err
	}

	rec, err := a.orch.SubmitFeedback(context.Background(), target.ID, fb)
	if err != nil && !evaluation.IsInsufficientHistory(err) {
		return err
	}
	printStatus("✓", fmt.Sprintf("Feedback recorded for %s", target.ID), color.FgGreen)
	if rec == nil {
		dim.Println("  Evaluation deferred to the next sweep.")
		return nil
	}
	fmt.Println()
	printEvaluation(rec)
	return nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := resolveExecution(a.store, args[0])
	if err != nil {
		return err
	}

	rec, err := a.orch.Evaluate(context.Background(), target.ID, nil)
	if err != nil && !evaluation.IsInsufficientHistory(err) {
		return err
	}
	if evaluateJSON {
		return printJSON(rec)
	}
	printEvaluation(rec)
	return nil
}

func printEvaluation(rec *models.WorkflowExecution) {
	if rec == nil || rec.Evaluation == nil {
		return
	}
	ev := rec.Evaluation
	bold.Printf("Evaluation %s of %s\n", rec.ID, ev.TargetID)
	m := ev.Metrics
	fmt.Printf("  Efficiency:   %.2f\n", m.Efficiency)
	fmt.Printf("  Accuracy:     %.2f\n", m.Accuracy)
	fmt.Printf("  Reliability:  %.2f\n", m.Reliability)
	fmt.Printf("  Utilization:  %s\n", formatPercent(m.ResourceUtilization))
	if m.UserSatisfaction != nil {
		fmt.Printf("  Satisfaction: %.2f\n", *m.UserSatisfaction)
	}

	if t := ev.Trend; t != nil {
		fmt.Printf("  Trend:        %s over %d evaluations (accuracy %.2f ± %.3f, reliability %.2f)\n",
			t.Direction, t.SampleSize, t.AvgAccuracy, t.AccuracyVariance, t.AvgReliability)
	} else {
		warning.Println("  Trend:        not enough history yet")
	}

	if len(ev.Bottlenecks) > 0 {
		fmt.Println()
		fmt.Println("  Bottlenecks:")
		for _, b := range ev.Bottlenecks {
			what := fmt.Sprintf("batch %d", b.Batch)
			if b.Capability != "" {
				what += " (" + b.Capability + ")"
			}
			fmt.Printf("    %s: %s observed vs %s estimated, impact %.2f\n",
				what, formatDuration(b.Observed), formatDuration(b.Estimated), b.Impact)
			if b.Suggestion != "" {
				dim.Printf("      %s\n", b.Suggestion)
			}
		}
	}

	if len(ev.ProposedRules) > 0 {
		fmt.Println()
		fmt.Println("  Proposed rule changes:")
		for i, c := range ev.ProposedRules {
			steps := make([]string, 0, len(c.Steps))
			for _, s := range c.Steps {
				steps = append(steps, s.Capability)
			}
			fmt.Printf("    [%d] %s %s on v%d: confidence %.2f, steps %s\n",
				i, c.Signature, c.Kind, c.BaseVersion, c.Confidence, strings.Join(steps, " -> "))
			dim.Printf("        %s\n", c.Reason)
		}
	}
}
