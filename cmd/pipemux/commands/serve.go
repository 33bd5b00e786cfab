package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/pipemux/pkg/hub"
	"github.com/haivivi/pipemux/pkg/hubws"
)

var (
	flagListen   string
	flagPipes    int
	flagCapacity int
	flagPrefix   string
	flagMemLimit int64
	flagVerbose  bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipe hub server",
	Long: `Run a hub of named in-memory pipes and expose it over HTTP.

Clients attach read and write sessions to individual pipes via WebSocket;
GET /v1/pipes returns a JSON stat listing.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", ":8642", "listen address")
	serveCmd.Flags().IntVar(&flagPipes, "pipes", hub.DefaultPipes, "number of pipes")
	serveCmd.Flags().IntVar(&flagCapacity, "capacity", hub.DefaultCapacity, "ring capacity per pipe in bytes")
	serveCmd.Flags().StringVar(&flagPrefix, "prefix", hub.DefaultPrefix, "pipe name prefix")
	serveCmd.Flags().Int64Var(&flagMemLimit, "mem-limit", 0, "total ring memory budget in bytes (0 for unlimited)")
	serveCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	h, err := hub.New(hub.Config{
		Pipes:    flagPipes,
		Capacity: flagCapacity,
		Prefix:   flagPrefix,
		MemLimit: flagMemLimit,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	srv := &http.Server{
		Addr:    flagListen,
		Handler: hubws.NewServer(h, hubws.WithLogger(logger)),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub listening",
			"addr", flagListen, "pipes", flagPipes, "capacity", flagCapacity)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
