package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/haivivi/pipemux/pkg/cli"
	"github.com/haivivi/pipemux/pkg/hub"
	"github.com/haivivi/pipemux/pkg/hubws"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipes on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := serverURL()
		if err != nil {
			return err
		}
		stats, err := hubws.List(cmd.Context(), base)
		if err != nil {
			return err
		}

		format := outputFormat()
		if format != cli.FormatTable {
			return cli.Output(stats, cli.OutputOptions{Format: format})
		}

		fmt.Print(renderStats(stats))
		return nil
	},
}

func renderStats(stats []hub.Stat) string {
	headers := []string{"NAME", "CAP", "BUFFERED", "READERS", "WRITERS", "ALLOCATED"}
	rows := make([][]string, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, []string{
			st.Name,
			cli.FormatBytesInt(st.Capacity),
			cli.FormatBytesInt(st.Buffered),
			strconv.Itoa(st.Readers),
			strconv.Itoa(st.Writers),
			strconv.FormatBool(st.Allocated),
		})
	}
	return cli.RenderTable(headers, rows)
}
