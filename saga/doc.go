// Package saga drives a business process through an ordered sequence of
// stages, protects each stage invocation with a circuit breaker, persists
// progress after every stage, and on failure rolls the process back through
// stage-specific compensating actions.
//
// A saga is defined as a fixed, totally ordered list of stages. The
// Orchestrator runs the stages strictly sequentially, chaining each stage's
// output into the next stage's input, and durably persists an ExecutedStep
// before the next stage may begin. The CompensationEngine consumes that step
// log in reverse to undo completed stages exactly once per stage; rollback
// is idempotent and always safe to retry.
//
// Basic usage:
//
//	store := saga.NewInMemoryExecutionStore()
//	orch := saga.NewOrchestrator(store)
//
//	def := saga.ValueWorkflowDefinition()
//	def.BindExecutor("opportunity", opportunityExecutor)
//	// ... bind remaining stages ...
//
//	execution, err := orch.Run(ctx, def, map[string]interface{}{
//		"customerProfile": profile,
//	})
package saga
