// Command stepkit runs durable multi-step tasks.
//
//	stepkit serve                 run the HTTP API and the dispatcher
//	stepkit submit <task>         create an instance
//	stepkit show <id>             print an instance record
//	stepkit run <id>              run one instance if it is due
//	stepkit validate <file>       check task definitions
//
// Commands other than serve and validate only make sense against a shared
// store (store.backend = "nats"); the memory store lives and dies with the
// process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "stepkit",
		Short: "stepkit - durable task execution",
		Long: `stepkit executes tasks made of ordered steps. Each step may carry a check,
an error handler, a reverse action and a retry schedule. Progress is stored
after every sub-step so an instance survives restarts and is resumed when
its next run time comes around.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to the TOML config file")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newSubmitCmd(&cfgPath),
		newShowCmd(&cfgPath),
		newRunCmd(&cfgPath),
		newValidateCmd(&cfgPath),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
