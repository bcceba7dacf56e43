// Package instance runs task instances: one execution of a task definition
// against its own data, persisted after every transition so that it can
// stop, crash or move to another worker and resume where it left off.
//
// # Lifecycle
//
// An Engine creates and loads instances:
//
//	eng := instance.New(store, registry, instance.WithLogger(logger))
//	inst, err := eng.CreateByName(ctx, "checkout", map[string]any{"order": 42}, nil)
//	err = inst.Run(ctx)
//
// Run executes sub-steps until the instance completes or a retry is
// scheduled. A scheduled retry sets the record's nextRunTime and returns;
// calling Run again before then does nothing. Whoever drives instances
// (see package dispatch) loads due records and runs them again.
//
// # Steps
//
// Each step calls a method. If it fails and the step allows retries, the
// retry waits on the fixed schedule in schedule.AutoDelays. Before a retry
// the step's check, if any, is called: a non-nil result means the failed
// attempt took effect and the method is not called again. Once retries
// run out the step's error handler runs; if it succeeds the task completes
// successfully. With ignoreError the task moves on to the next step.
// Otherwise the task fails.
//
// When a task that has reverse actions completes through its error
// handler or fails, the reverse actions of the steps before the current one
// run in reverse order before the task completes.
//
// # Data
//
// Method input is built from instance data through the step's input map,
// falling back to the owning step's map and then to a copy of all data.
// The "session" value is always passed. Results are merged into data,
// through the output map when there is one.
package instance
