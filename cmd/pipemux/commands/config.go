package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/pipemux/pkg/cli"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage pipemux configuration.

Configuration is stored in ~/.pipemux/pipemux/config.yaml`,
}

// contextCmd represents the context subcommand
var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage contexts",
	Long:  `Manage pipemux contexts for different servers.`,
}

// contextListCmd lists all contexts
var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		names := cfg.ListContexts()
		if len(names) == 0 {
			fmt.Println("No contexts configured.")
			fmt.Println("\nCreate one with:")
			fmt.Println("  pipemux config context set dev --server=http://localhost:8642")
			return nil
		}

		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tSERVER\tOUTPUT")

		for _, name := range names {
			ctx, _ := cfg.GetContext(name)

			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}

			output := ctx.Output
			if output == "" {
				output = "(default)"
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", current, name, ctx.Server(), output)
		}
		w.Flush()

		return nil
	},
}

// contextUseCmd switches the current context
var contextUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch to a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		name := args[0]
		if err := cfg.UseContext(name); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context %q", name)
		return nil
	},
}

// contextSetCmd creates or updates a context
var contextSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a context",
	Long: `Create or update a context with the specified settings.

Examples:
  # Create a new context
  pipemux config context set dev --server=http://localhost:8642

  # Update an existing context
  pipemux config context set dev --output=json

  # Point at a remote hub
  pipemux config context set staging --server=https://pipes.staging.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		name := args[0]

		// Get existing context or create new one
		ctx, err := cfg.GetContext(name)
		if err != nil {
			ctx = &cli.Context{Name: name}
		}

		// Apply flags
		if cmd.Flags().Changed("server") {
			ctx.ServerURL, _ = cmd.Flags().GetString("server")
		}
		if cmd.Flags().Changed("output") {
			ctx.Output, _ = cmd.Flags().GetString("output")
		}
		if cmd.Flags().Changed("timeout") {
			ctx.Timeout, _ = cmd.Flags().GetInt("timeout")
		}

		// Add or update context
		if err := cfg.AddContext(name, ctx); err != nil {
			return err
		}

		cli.PrintSuccess("Context %q saved", name)
		return nil
	},
}

// contextDeleteCmd deletes a context
var contextDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		name := args[0]
		if err := cfg.DeleteContext(name); err != nil {
			return err
		}
		cli.PrintSuccess("Context %q deleted", name)
		return nil
	},
}

// contextShowCmd shows the current context details
var contextShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show context details",
	Long:  `Show details of a context. If no name is provided, shows the current context.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}

		var ctx *cli.Context
		var name string

		if len(args) > 0 {
			name = args[0]
			ctx, err = cfg.GetContext(name)
		} else {
			if cfg.CurrentContext == "" {
				return fmt.Errorf("no current context set. Use 'pipemux config context use <name>' to set one")
			}
			name = cfg.CurrentContext
			ctx, err = cfg.GetCurrentContext()
		}
		if err != nil {
			return err
		}

		fmt.Printf("Context: %s", name)
		if name == cfg.CurrentContext {
			fmt.Print(" (current)")
		}
		fmt.Println()
		fmt.Println(strings.Repeat("-", 40))
		fmt.Printf("Server:   %s\n", ctx.Server())
		fmt.Printf("Output:   %s\n", valueOrNotSet(ctx.Output))
		if ctx.Timeout > 0 {
			fmt.Printf("Timeout:  %s\n", cli.FormatDuration(time.Duration(ctx.Timeout)*time.Second))
		}
		fmt.Println()
		fmt.Printf("Config file: %s\n", cfg.Path())

		return nil
	},
}

// contextCurrentCmd shows the current context name
var contextCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Println("No current context set")
			return nil
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

func valueOrNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func init() {
	// Add context subcommand to config
	configCmd.AddCommand(contextCmd)

	// Add context commands
	contextCmd.AddCommand(contextListCmd)
	contextCmd.AddCommand(contextUseCmd)
	contextCmd.AddCommand(contextSetCmd)
	contextCmd.AddCommand(contextDeleteCmd)
	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextCurrentCmd)

	// Flags for context set
	contextSetCmd.Flags().String("server", "", "bridge server base URL")
	contextSetCmd.Flags().String("output", "", "default output format (table, yaml, json)")
	contextSetCmd.Flags().Int("timeout", 0, "request timeout in seconds")
}
