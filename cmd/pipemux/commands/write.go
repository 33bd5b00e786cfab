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
	flagWriteNonblock bool
	flagWriteIn       string
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <pipe>",
	Short: "Stream stdin into a pipe",
	Long: `Attach a write session to a pipe and stream stdin (or a file)
into it. A blocking session waits for readers to drain the ring; with
--nonblock a full ring ends the command.`,
	Args: cobra.ExactArgs(1),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().BoolVar(&flagWriteNonblock, "nonblock", false, "stop instead of waiting for ring space")
	writeCmd.Flags().StringVarP(&flagWriteIn, "file", "f", "", "read from file instead of stdin")
}

func runWrite(cmd *cobra.Command, args []string) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []hubws.DialOption
	if flagWriteNonblock {
		opts = append(opts, hubws.Nonblock())
	}
	conn, err := hubws.Dial(ctx, base, args[0], pipe.ModeWrite, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	var in io.Reader = os.Stdin
	if flagWriteIn != "" {
		f, err := os.Open(flagWriteIn)
		if err != nil {
			return fmt.Errorf("open input file: %w", err)
		}
		defer f.Close()
		in = f
	}

	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			sent, werr := conn.Write(ctx, buf[:n])
			total += int64(sent)
			if werr != nil {
				if errors.Is(werr, pipe.ErrWouldBlock) || ctx.Err() != nil {
					break
				}
				return werr
			}
			if sent < n {
				// Non-blocking session hit a full ring.
				break
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return rerr
		}
	}

	fmt.Fprintf(os.Stderr, "wrote %d bytes\n", total)
	return nil
}
