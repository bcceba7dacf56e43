package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/stepkit/config"
	"github.com/vinayprograms/stepkit/errors"
	"github.com/vinayprograms/stepkit/logging"
	"github.com/vinayprograms/stepkit/tasks"
)

func newValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check task definitions without running them",
		Long: `Validate parses a YAML or JSON file of task definitions and builds each
one against the built-in methods and the HTTP methods in the config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			specs, err := tasks.LoadFile(args[0])
			if err != nil {
				return errors.InvalidInput(fmt.Sprintf("read %s", args[0]), errors.WithCause(err))
			}

			methods := taskMethods(cfg, logging.Discard())
			out := cmd.OutOrStdout()
			seen := make(map[string]bool)
			failed := 0
			for i, spec := range specs {
				def, err := tasks.Build(spec, methods)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(out, "FAIL  #%d %s: %v\n", i+1, spec.Name, err)
				case seen[def.Name]:
					failed++
					fmt.Fprintf(out, "FAIL  #%d %s: defined twice\n", i+1, def.Name)
				default:
					seen[def.Name] = true
					fmt.Fprintf(out, "ok    %s  %s  %d steps\n", def.Name, def.ID[:12], def.NumSteps())
				}
			}
			if failed > 0 {
				return errors.InvalidDefinition(args[0], fmt.Sprintf("%d of %d tasks invalid", failed, len(specs)))
			}
			return nil
		},
	}
}
