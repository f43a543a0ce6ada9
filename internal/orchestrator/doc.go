// Package orchestrator runs workflows end to end.
//
// A workflow names a caller and a work request. The orchestrator plans a
// route for the request, turns the route into scheduler tasks, runs them in
// dependency order, resolves their results under a coordination policy and
// persists a routing record plus a linked parallel record. Failures inside
// a run are folded into the parallel record rather than returned.
//
// Runs in progress are tracked in an active table so they can be cancelled
// by id. Progress is published as OrchestratorEvent values on Events.
//
// Example usage:
//
//	orch, err := orchestrator.New(orchestrator.RequiredConfig{
//	    Store:        store,
//	    Capabilities: registry,
//	}, orchestrator.WithPolicy(policy.Default()))
//	wf, _ := orchestrator.LoadWorkflow("report.yaml")
//	result, err := orch.Execute(ctx, wf)
package orchestrator
