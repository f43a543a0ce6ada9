package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchyard/pkg/models"
)

var (
	rulesJSON    bool
	revertReason string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and change routing rules",
	Long: `Routing rules are versioned per signature. Every change appends a new
version; nothing is overwritten or deleted.`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest version of every rule",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var rulesHistoryCmd = &cobra.Command{
	Use:   "history <signature>",
	Short: "List every version of a rule, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesHistory,
}

var rulesApplyCmd = &cobra.Command{
	Use:   "apply <evaluation-id> <index>",
	Short: "Apply a proposed rule change from an evaluation",
	Long: `Apply the index-th proposal of an evaluation record as the next version
of its rule. The proposal must be based on the current latest version; a
stale proposal is rejected with a version conflict.`,
	Args: cobra.ExactArgs(2),
	RunE: runRulesApply,
}

var rulesRevertCmd = &cobra.Command{
	Use:   "revert <signature> <version>",
	Short: "Append a copy of an older rule version",
	Args:  cobra.ExactArgs(2),
	RunE:  runRulesRevert,
}

func init() {
	rulesListCmd.Flags().BoolVar(&rulesJSON, "json", false, "Print rules as JSON")
	rulesHistoryCmd.Flags().BoolVar(&rulesJSON, "json", false, "Print rules as JSON")
	rulesRevertCmd.Flags().StringVar(&revertReason, "reason", "", "Reason recorded on the new version")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesHistoryCmd)
	rulesCmd.AddCommand(rulesApplyCmd)
	rulesCmd.AddCommand(rulesRevertCmd)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	rules, err := db.ListRules()
	if err != nil {
		return err
	}
	if rulesJSON {
		return printJSON(rules)
	}
	if len(rules) == 0 {
		fmt.Println("No routing rules yet. Rules are created by applying evaluation proposals.")
		return nil
	}
	printRuleTable(rules)
	return nil
}

func runRulesHistory(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	rules, err := db.RuleHistory(args[0])
	if err != nil {
		return err
	}
	if rulesJSON {
		return printJSON(rules)
	}
	if len(rules) == 0 {
		return fmt.Errorf("no rule for signature %s", args[0])
	}
	printRuleTable(rules)
	return nil
}

func runRulesApply(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid proposal index %q", args[1])
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := resolveExecution(a.store, args[0])
	if err != nil {
		return err
	}
	rule, err := a.orch.Evaluator().ApplyProposal(rec.ID, index)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("%s is now v%d (confidence %.2f)", rule.Signature, rule.Version, rule.Confidence), color.FgGreen)
	return nil
}

func runRulesRevert(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid version %q", args[1])
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	rule, err := db.RevertRule(args[0], version, revertReason)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("%s reverted to v%d as v%d", rule.Signature, version, rule.Version), color.FgGreen)
	return nil
}

func printRuleTable(rules []models.RoutingRule) {
	fmt.Printf("%-36s %-4s %-6s %-8s %-7s %-28s %s\n", "SIGNATURE", "VER", "CONF", "SUCCESS", "SAMPLES", "STEPS", "CREATED")
	for _, r := range rules {
		steps := make([]string, 0, len(r.Steps))
		for _, s := range r.Steps {
			steps = append(steps, s.Capability)
		}
		fmt.Printf("%-36s %-4d %-6.2f %-8s %-7d %-28s %s\n",
			truncate(r.Signature, 36), r.Version, r.Confidence, formatPercent(r.SuccessRate), r.SampleSize,
			truncate(strings.Join(steps, ">"), 28), formatAge(r.CreatedAt))
		if r.Reason != "" {
			dim.Printf("  %s\n", truncate(r.Reason, 100))
		}
	}
}
