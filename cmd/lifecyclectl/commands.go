package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"booking/internal/app/server"
	"booking/internal/domain/gdpr"
	"booking/internal/platform/config"
	"booking/internal/platform/jobs"
)

// operator is the slice of the lifecycle engine the CLI drives.
type operator interface {
	Policies() []gdpr.RetentionPolicy
	RunPolicy(ctx context.Context, name string) (gdpr.PolicyResult, error)
	RunNow(ctx context.Context, jobType string) (any, error)
}

// openFunc builds an operator; tests replace it.
type openFunc func(ctx context.Context) (operator, func(), error)

func newRootCmd() *cobra.Command {
	return newRootCmdWith(openApp)
}

func newRootCmdWith(open openFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "lifecyclectl",
		Short:         "Operate the booking data lifecycle engine",
		SilenceUsage: true,
	}
	root.AddCommand(
		policiesCmd(open),
		runPolicyCmd(open),
		jobCmd(open, "sweep", "Run every retention policy once", jobs.JobRetentionSweep),
		jobCmd(open, "run-due-deletions", "Execute deletions whose grace period has elapsed", jobs.JobDueDeletions),
	)
	return root
}

func policiesCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the effective retention policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			op, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return writeJSON(cmd.OutOrStdout(), op.Policies())
		},
	}
}

func runPolicyCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run-policy <name>",
		Short: "Run a single retention policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			result, err := op.RunPolicy(cmd.Context(), args[0])
			if writeErr := writeJSON(cmd.OutOrStdout(), result); writeErr != nil {
				return writeErr
			}
			return err
		},
	}
}

// jobCmd runs a scheduled job through the job service so the run takes the
// same lock and lands in job_runs like a cron-triggered one.
func jobCmd(open openFunc, use, short, jobType string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			op, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			report, runErr := op.RunNow(cmd.Context(), jobType)
			if report != nil {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			if runErr != nil {
				return fmt.Errorf("%s: %w", jobType, runErr)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// appOperator adapts the wired App to the CLI surface.
type appOperator struct {
	app *server.App
}

func (o appOperator) Policies() []gdpr.RetentionPolicy { return o.app.Privacy.Policies() }

func (o appOperator) RunPolicy(ctx context.Context, name string) (gdpr.PolicyResult, error) {
	return o.app.Privacy.RunPolicy(ctx, name)
}

func (o appOperator) RunNow(ctx context.Context, jobType string) (any, error) {
	return o.app.Jobs.RunNow(ctx, jobType)
}

func openApp(ctx context.Context) (operator, func(), error) {
	app, err := server.New(ctx, config.Load())
	if err != nil {
		return nil, nil, err
	}
	return appOperator{app: app}, app.Close, nil
}
