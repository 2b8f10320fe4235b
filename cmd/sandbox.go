package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/conneroisu/isolate/internal/config"
	"github.com/conneroisu/isolate/internal/sandbox"
	"github.com/conneroisu/isolate/internal/sandbox/gohtml"
	"github.com/spf13/cobra"
)

var (
	sandboxURL     string
	sandboxBaseURL string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Attach a go-template sandbox realm to a running host",
	Long: `Attach a sandbox realm that renders .gohtml components to a host started
with "isolate serve". The realm is replaced whenever the host asks for a full
reload and runs until interrupted.

Examples:
  isolate sandbox --url ws://localhost:3140/ws`,
	RunE: runSandbox,
}

func init() {
	rootCmd.AddCommand(sandboxCmd)

	sandboxCmd.Flags().StringVarP(&sandboxURL, "url", "u", "", "Websocket endpoint of the host (default ws://<server.host>:<server.port>/ws)")
	sandboxCmd.Flags().StringVar(&sandboxBaseURL, "base-url", "", "Document URL used to resolve relative links")
}

func runSandbox(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	url := sandboxURL
	if url == "" {
		url = "ws://" + cfg.Address() + "/ws"
	}
	base := sandboxBaseURL
	if base == "" {
		base = "http://" + cfg.Address() + "/"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := sandbox.NewRunner(sandbox.Options{
		URL:     url,
		BaseURL: base,
		Adapter: gohtml.New(),
		Logger:  logger,
	})
	fmt.Fprintf(cmd.OutOrStdout(), "Attaching sandbox to %s\n", url)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sandbox stopped: %w", err)
	}
	return nil
}
