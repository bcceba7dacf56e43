// Package tasks defines task definitions: ordered lists of steps, each
// naming a method to call and, optionally, a check that confirms the call
// took effect, an error handler, and a reverse (compensating) action.
//
// # Definitions
//
// A Spec is the raw, serialisable form read from YAML or JSON. Build
// validates it and resolves every method name against a Resolver, so an
// unknown method fails when the task is defined rather than when it runs:
//
//	methods := tasks.Methods{
//	    "reserve": reserveStock,
//	    "release": releaseStock,
//	    "charge":  chargeCard,
//	}
//	def, err := tasks.Build(tasks.Spec{
//	    Name: "checkout",
//	    Steps: []tasks.StepSpec{
//	        {Method: "reserve", Reverse: &tasks.StepSpec{Method: "release"}},
//	        {Method: "charge", Retry: true},
//	    },
//	}, methods)
//
// A step may also be written as a bare method name:
//
//	name: checkout
//	steps:
//	  - reserve
//	  - method: charge
//	    retry: true
//
// # Identity
//
// A definition's ID is derived from its content. Editing a definition
// yields a new ID while instances created from the old one keep pointing at
// the old ID; the Registry rebuilds such historical definitions from the
// spec it stored when they were first registered.
package tasks
