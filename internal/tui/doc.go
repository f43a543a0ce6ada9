// Package tui provides the terminal watch view for switchyard.
//
// The view is read-only. It polls the execution store on an interval and
// lists recent executions with their status, signature and timing, plus a
// detail box for the highlighted row.
//
// Usage:
//
//	program, _ := tui.NewWatchProgram(store, time.Second, 50)
//	if _, err := program.Run(); err != nil {
//	    return err
//	}
//
// Keys: up/down (or k/j) select, / filters by caller, signature or id
// prefix, r refreshes immediately, q or Ctrl+C quits.
package tui
