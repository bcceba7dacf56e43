package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/stepkit/dispatch"
	"github.com/vinayprograms/stepkit/errors"
)

func newSubmitCmd(cfgPath *string) *cobra.Command {
	var data, at, key string

	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Create an instance of a task",
		Example: `  stepkit submit checkout --data '{"order":"o-1"}'
  stepkit submit reminder --at 1d --key user-42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub := dispatch.Submission{Task: args[0], IdempotencyKey: key}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &sub.Data); err != nil {
					return errors.InvalidInput("--data must be a JSON object", errors.WithCause(err))
				}
			}
			if at != "" {
				sub.NextRunTime = at
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			id, created, err := a.dispatcher.Submit(ctx, sub)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (existing)\n", id)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Initial data as a JSON object")
	cmd.Flags().StringVar(&at, "at", "", "Next run time: a timestamp or a duration such as 1d2h")
	cmd.Flags().StringVar(&key, "key", "", "Idempotency key")
	return cmd
}

func newShowCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print an instance record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			rec, err := a.engine.Store().Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run one instance now if it is due",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfgPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(ctx)

			inst, err := a.dispatcher.RunOne(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inst.Record())
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
