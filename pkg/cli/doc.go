// Package cli provides common utilities for pipemux command-line tools.
//
// This package includes:
//   - Configuration management (named server contexts)
//   - Output formatting (YAML, JSON, table, raw)
//   - Human-readable size and duration formatting
//
// Configuration is stored in ~/.pipemux/<app>/ directory, supporting
// multiple contexts similar to kubectl.
//
// Example usage:
//
//	// Initialize config for your app
//	cfg, err := cli.LoadConfig("pipemux")
//
//	// Resolve the active context
//	ctx, err := cfg.ResolveContext("")
//
//	// Output result
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    File:   outputPath,
//	})
package cli
