package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"backend-go-simulation-api/designer"

	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadSchema reads a build schema from inline JSON or a file ("-" is stdin).
func loadSchema(inline, path string, stdin io.Reader) (map[string]any, error) {
	var raw []byte
	switch {
	case inline != "" && path != "":
		return nil, errors.New("use either --schema or --schema-file, not both")
	case inline != "":
		raw = []byte(inline)
	case path == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read schema from stdin: %w", err)
		}
		raw = b
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema file: %w", err)
		}
		raw = b
	default:
		return map[string]any{}, nil
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("schema must be a JSON object: %w", err)
	}
	return schema, nil
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an environment and print its instance ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			id, err := c.Create(commandContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newBuildCmd() *cobra.Command {
	var inline, path string
	cmd := &cobra.Command{
		Use:   "build <instance-id>",
		Short: "Build an environment from a simulation schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema(inline, path, cmd.InOrStdin())
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.Build(commandContext(cmd), args[0], schema)
		},
	}
	cmd.Flags().StringVar(&inline, "schema", "", "Simulation schema as inline JSON")
	cmd.Flags().StringVar(&path, "schema-file", "", "Path to a JSON simulation schema (- for stdin)")
	return cmd
}

func newRunCmd() *cobra.Command {
	var simTime float64
	cmd := &cobra.Command{
		Use:   "run <instance-id>",
		Short: "Run an environment and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			result, err := c.Run(commandContext(cmd), args[0], simTime)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().Float64VarP(&simTime, "time", "t", 10.0, "Simulated time in seconds")
	return cmd
}

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <instance-id>",
		Short: "Close an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.Close(commandContext(cmd), args[0])
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			envs, err := c.List(commandContext(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), envs)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show the lifecycle state of an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			st, err := c.Status(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

// newDemoCmd walks one environment through create, build, run and close.
func newDemoCmd() *cobra.Command {
	var simTime float64
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Create, build, run and close one environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			out := cmd.OutOrStdout()

			id, err := c.Create(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Created environment with instance_id: %s\n", id)

			if err := c.Build(ctx, id, map[string]any{"sample_parameter": 123}); err != nil {
				return err
			}
			fmt.Fprintln(out, "Built environment with sample schema")

			result, err := c.Run(ctx, id, simTime)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Simulation result: walltime=%v end_status=%v\n", result["walltime"], result["end_status"])

			if err := c.Close(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(out, "Closed environment")
			return nil
		},
	}
	cmd.Flags().Float64VarP(&simTime, "time", "t", 10.0, "Simulated time in seconds")
	return cmd
}

func newDesignCmd() *cobra.Command {
	var (
		buildID  string
		elements int
		raw      bool
	)
	cmd := &cobra.Command{
		Use:   "design <request>",
		Short: "Ask the design model for a robot design",
		Long: "Ask the configured design model (DESIGNER_PROVIDER: mock, openrouter, ollama, gemini)\n" +
			"for a soft robot design. The reply is validated and printed; with --build it is\n" +
			"also used to build an existing environment.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			d, err := designer.New(ctx, designer.ConfigFromEnv())
			if err != nil {
				return err
			}
			robot, reply, err := d.Design(ctx, args[0])
			if err != nil {
				if raw && reply != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), reply)
				}
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), robot); err != nil {
				return err
			}
			if buildID == "" {
				return nil
			}

			b, err := json.Marshal(robot)
			if err != nil {
				return err
			}
			var robotDesign map[string]any
			if err := json.Unmarshal(b, &robotDesign); err != nil {
				return err
			}
			schema := map[string]any{"robot_design": robotDesign}
			if elements > 0 {
				schema["elements"] = elements
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.Build(ctx, buildID, schema)
		},
	}
	cmd.Flags().StringVar(&buildID, "build", "", "Build this environment with the design")
	cmd.Flags().IntVar(&elements, "elements", 0, "Element count to build with (server default when 0)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the raw model reply when it cannot be used")
	return cmd
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the server to shut down (if supported)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			c.Shutdown(commandContext(cmd))
			return nil
		},
	}
}
