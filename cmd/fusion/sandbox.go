package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/fusion/config"
	"github.com/martinemde/fusion/sandbox"
)

var (
	sandboxListen string
	sandboxRoot   string
)

const shutdownGrace = 10 * time.Second

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Serve remote tool execution over HTTP",
	Long: `Serves POST /v1/tools/execute for agents running with a remote tool URL.
Each instance id maps to a directory of the same name under --root.`,
	Args: cobra.NoArgs,
	RunE: runSandbox,
}

func init() {
	sandboxCmd.Flags().StringVar(&sandboxListen, "listen", "", "Address to listen on (default: sandbox.listen)")
	sandboxCmd.Flags().StringVar(&sandboxRoot, "root", "", "Directory holding one workspace per instance (default: sandbox.root)")
}

func runSandbox(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cmd.Flags().Changed("listen") {
		cfg.Sandbox.Listen = sandboxListen
	}
	if cmd.Flags().Changed("root") {
		cfg.Sandbox.Root = sandboxRoot
	}

	srv, err := newSandboxServer(cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Sandbox.Listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}, ln)
}

func newSandboxServer(cfg *config.Config) (*sandbox.Server, error) {
	root, maxTimeout := cfg.SandboxServerConfig()
	scfg := sandbox.DefaultConfig(root)
	scfg.MaxTimeout = maxTimeout
	scfg.Dispatcher.Tools.BashTimeout = cfg.DispatcherConfig().Tools.BashTimeout
	return sandbox.New(scfg, sandbox.WithLogger(logger))
}

// serve runs hs on ln until ctx is done, then drains in-flight calls.
func serve(ctx context.Context, hs *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("sandbox listening", zap.String("addr", ln.Addr().String()))
		errCh <- hs.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("sandbox shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
