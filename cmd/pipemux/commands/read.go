package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haivivi/pipemux/pkg/hubws"
	"github.com/haivivi/pipemux/pkg/pipe"
)

var (
	flagReadNonblock bool
	flagReadOut      string
	flagReadCount    int64
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <pipe>",
	Short: "Stream a pipe to stdout",
	Long: `Attach a read session to a pipe and stream its bytes to stdout
(or a file). A blocking session runs until interrupted; with --nonblock
the command drains what is buffered and exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	readCmd.Flags().BoolVar(&flagReadNonblock, "nonblock", false, "drain buffered bytes and exit")
	readCmd.Flags().StringVarP(&flagReadOut, "file", "f", "", "write to file instead of stdout")
	readCmd.Flags().Int64Var(&flagReadCount, "count", 0, "stop after this many bytes (0 for unlimited)")
}

func runRead(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []hubws.DialOption
	if flagReadNonblock {
		opts = append(opts, hubws.Nonblock())
	}
	conn, err := hubws.Dial(ctx, base, args[0], pipe.ModeRead, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	var out io.Writer = os.Stdout
	if flagReadOut != "" {
		f, err := os.Create(flagReadOut)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	var total int64
	buf := make([]byte, 32*1024)
	for {
		if flagReadCount > 0 {
			if total >= flagReadCount {
				return nil
			}
			if rem := flagReadCount - total; rem < int64(len(buf)) {
				buf = buf[:rem]
			}
		}
		n, err := conn.Read(ctx, buf)
		if n > 0 {
			total += int64(n)
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, pipe.ErrWouldBlock):
				// Non-blocking session drained.
				return nil
			case ctx.Err() != nil:
				return nil
			}
			return err
		}
	}
}
