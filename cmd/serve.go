package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/conneroisu/isolate/internal/config"
	"github.com/conneroisu/isolate/internal/logging"
	"github.com/conneroisu/isolate/internal/sandbox"
	"github.com/conneroisu/isolate/internal/sandbox/gohtml"
	"github.com/conneroisu/isolate/internal/session"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

var (
	serveProps       propsValue
	serveWithSandbox bool
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the preview host",
	Long: `Start the preview host. Sandbox realms connect to /ws; /health and
/metrics report the session state.

Examples:
  isolate serve --component src/Button.gohtml:Button --props '{"label":"Hi"}'
  isolate serve -c src/App.gohtml:App --callback onClick --with-sandbox`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addServerFlags(serveCmd.Flags())
	addPreviewFlags(serveCmd.Flags(), &serveProps)
	serveCmd.Flags().BoolVar(&serveWithSandbox, "with-sandbox", false, "Run a go-template sandbox realm in-process")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	props := serveProps.raw
	if props == nil {
		if props, err = parseProps(cfg.Preview.Props); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, props, serveWithSandbox, func(addr string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Serving %s at http://%s\n", cfg.Preview.Root, addr)
	})
}

// serve runs one session until ctx is done. ready is called with the bound
// address once the listener is open.
func serve(ctx context.Context, cfg *config.Config, logger logging.Logger, props json.RawMessage, withSandbox bool, ready func(addr string)) error {
	sess, err := session.New(cfg, session.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.Stop()

	ln, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address(), err)
	}
	addr := ln.Addr().String()
	if ready != nil {
		ready(addr)
	}

	var wg conc.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if withSandbox {
		runner := sandbox.NewRunner(sandbox.Options{
			URL:     "ws://" + addr + "/ws",
			BaseURL: "http://" + addr + "/",
			Adapter: gohtml.New(),
			Logger:  logger,
		})
		wg.Go(func() {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, err, "Sandbox realm stopped")
			}
		})
	}

	if cfg.Preview.Component != "" {
		wg.Go(func() {
			err := sess.Show(ctx, cfg.Preview.Component, props, cfg.Preview.Callbacks...)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, err, "Failed to show component", "component", cfg.Preview.Component)
			}
		})
	}

	if err := sess.Router().Serve(ctx, ln); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
