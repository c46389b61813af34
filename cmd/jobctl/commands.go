package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/client"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func healthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check API and store health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := opts.client().Health(cmd.Context())
			if health != nil {
				if perr := printJSON(cmd.OutOrStdout(), health); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func statsCmd(opts *rootOptions) *cobra.Command {
	var recent bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := opts.client().Stats(cmd.Context(), recent)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().BoolVar(&recent, "recent", false, "include the most recent jobs")
	return cmd
}

func submitCmd(opts *rootOptions) *cobra.Command {
	var (
		images []string
		wait   bool
		wo     waitOptions
	)
	cmd := &cobra.Command{
		Use:   "submit <workflow.json>",
		Short: "Queue a workflow, optionally with input images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := loadPayload(args[0], images)
			if err != nil {
				return err
			}
			c := opts.client()
			sub, err := c.Submit(cmd.Context(), payload)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s queued (%s)\n", sub.JobID, sub.Status)
			if !wait {
				return nil
			}
			return waitAndReport(cmd, c, sub.JobID, wo)
		},
	}
	cmd.Flags().StringArrayVar(&images, "image", nil, "input image file to upload with the workflow (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	wo.bind(cmd)
	return cmd
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

type waitOptions struct {
	timeout  time.Duration
	interval time.Duration
	output   string
}

func (w *waitOptions) bind(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&w.timeout, "timeout", 10*time.Minute, "give up waiting after this long")
	cmd.Flags().DurationVar(&w.interval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().StringVar(&w.output, "output", "output", "directory for base64 images returned by the job")
}

func waitCmd(opts *rootOptions) *cobra.Command {
	var wo waitOptions
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it finishes and save its images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return waitAndReport(cmd, opts.client(), args[0], wo)
		},
	}
	wo.bind(cmd)
	return cmd
}

func waitAndReport(cmd *cobra.Command, c *client.Client, jobID string, wo waitOptions) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), wo.timeout)
	defer cancel()

	started := time.Now()
	status, err := c.Wait(ctx, jobID, wo.interval)
	if err != nil {
		if status != nil {
			return fmt.Errorf("job %s still %s: %w", jobID, status.Status, err)
		}
		return err
	}
	if status.Status != "completed" {
		return fmt.Errorf("job %s failed: %s", jobID, status.Error)
	}
	fmt.Fprintf(out, "job %s completed in %s\n", jobID, time.Since(started).Round(100*time.Millisecond))

	saved, err := saveOutputImages(status.Result, wo.output)
	for _, line := range saved {
		fmt.Fprintln(out, line)
	}
	return err
}

func cleanupCmd(opts *rootOptions) *cobra.Command {
	var hours float64
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than the given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().Cleanup(cmd.Context(), hours)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().Float64Var(&hours, "max-age-hours", 24, "minimum age of finished jobs to delete")
	return cmd
}

func resetStuckCmd(opts *rootOptions) *cobra.Command {
	var hours float64
	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Fail jobs that have been running too long",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := opts.client().ResetStuck(cmd.Context(), hours)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	cmd.Flags().Float64Var(&hours, "max-running-hours", 2, "running time after which a job counts as stuck")
	return cmd
}

func deleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
}
