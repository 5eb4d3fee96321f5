// Command sim-client drives a simulation server from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"backend-go-simulation-api/client"
	"backend-go-simulation-api/internal/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const defaultServer = "http://127.0.0.1:5000"

var (
	serverURL string
	apiKey    string
)

func newClient() (*client.Client, error) {
	var opts []client.Option
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	return client.New(serverURL, opts...)
}

// commandContext tags every request of one invocation with a fresh trace ID.
func commandContext(cmd *cobra.Command) context.Context {
	return context.WithValue(cmd.Context(), logger.TraceIDKey, uuid.New().String())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sim-client",
		Short:         "Create, build, run and close simulation environments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SIM_SERVER_URL", defaultServer), "Simulation server base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SIM_API_KEY"), "API key sent as X-API-Key")

	root.AddCommand(
		newCreateCmd(),
		newBuildCmd(),
		newRunCmd(),
		newCloseCmd(),
		newListCmd(),
		newStatusCmd(),
		newDemoCmd(),
		newDesignCmd(),
		newShutdownCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
