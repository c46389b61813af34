// Command jobctl talks to a running job queue API: it submits workflows,
// follows jobs and runs the admin endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/client"
)

type rootOptions struct {
	server  string
	timeout time.Duration
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "jobctl",
		Short:        "Operate the image generation job queue",
		SilenceUsage: true,
	}
	defaultServer := os.Getenv("JOBQUEUE_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8000"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "API base URL (env JOBQUEUE_URL)")
	root.PersistentFlags().DurationVar(&opts.timeout, "request-timeout", 60*time.Second, "timeout for a single API request")

	root.AddCommand(
		healthCmd(opts),
		statsCmd(opts),
		submitCmd(opts),
		statusCmd(opts),
		waitCmd(opts),
		cleanupCmd(opts),
		resetStuckCmd(opts),
		deleteCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *client.Client {
	return client.New(o.server, client.WithHTTPClient(newHTTPClient(o.timeout)))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
