package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/pipemux/pkg/cli"
	"github.com/haivivi/pipemux/pkg/hub"
	"github.com/haivivi/pipemux/pkg/hubws"
)

// statCmd represents the stat command
var statCmd = &cobra.Command{
	Use:   "stat <pipe>",
	Short: "Show one pipe's counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := serverURL()
		if err != nil {
			return err
		}
		stats, err := hubws.List(cmd.Context(), base)
		if err != nil {
			return err
		}

		var st *hub.Stat
		for i := range stats {
			if stats[i].Name == args[0] {
				st = &stats[i]
				break
			}
		}
		if st == nil {
			return fmt.Errorf("pipe %q not found", args[0])
		}

		format := outputFormat()
		if format == cli.FormatTable {
			format = cli.FormatYAML
		}
		return cli.Output(st, cli.OutputOptions{Format: format})
	},
}
