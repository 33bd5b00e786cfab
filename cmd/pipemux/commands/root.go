package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/pipemux/pkg/cli"
)

const appName = "pipemux"

var (
	cfgFile      string
	contextName  string
	serverFlag   string
	outputFlag   string
	globalConfig *cli.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pipemux",
	Short: "Named byte-pipe hub and client",
	Long: `pipemux serves a hub of bounded in-memory byte pipes over WebSocket
and provides client commands to inspect and stream them.

Configuration is stored in ~/.pipemux/pipemux/ and supports multiple
contexts, allowing you to switch between different servers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.pipemux/pipemux/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context to use (default is current context)")
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "server base URL (overrides context)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "", "output format: table, yaml, json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(configCmd)
}

// configErr stores the config load error for deferred reporting.
var configErr error

func initConfig() {
	globalConfig, configErr = cli.LoadConfigWithPath(appName, cfgFile)
}

func requireConfig() (*cli.Config, error) {
	if globalConfig == nil {
		return nil, fmt.Errorf("%s config: %w", appName, configErr)
	}
	return globalConfig, nil
}

// serverURL resolves the server to talk to: the --server flag wins, then the
// selected context, then the built-in default.
func serverURL() (string, error) {
	if serverFlag != "" {
		return serverFlag, nil
	}
	cfg, err := requireConfig()
	if err != nil {
		return "", err
	}
	ctx, err := cfg.ResolveContext(contextName)
	if err != nil {
		// No context configured; fall back to the default address.
		return cli.DefaultServerURL, nil
	}
	return ctx.Server(), nil
}

// outputFormat resolves the output format: flag, then context, then table.
func outputFormat() cli.OutputFormat {
	if outputFlag != "" {
		return cli.OutputFormat(outputFlag)
	}
	if globalConfig != nil {
		if ctx, err := globalConfig.ResolveContext(contextName); err == nil && ctx.Output != "" {
			return cli.OutputFormat(ctx.Output)
		}
	}
	return cli.FormatTable
}
