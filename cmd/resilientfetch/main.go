// Command resilientfetch makes a single HTTP call through the resilient
// client, printing the status and body, or the classified failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "resilientfetch",
		Short:         "Make HTTP calls with retries, deadlines and request correlation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")

	root.AddCommand(newFetchCmd(), newRequestIDCmd(), newCheckIDCmd())

	return root
}
