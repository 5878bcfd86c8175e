// Command gantry-agent is the in-container control service. It binds the
// control-plane port and serves the session, execution, process, file, port,
// and git APIs consumed by the gantry daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gantrylabs/gantry/internal/agent"
	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gantry-agent:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	srv := agent.NewServer(cfg, log)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ControlPlanePort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("agent listening",
			"port", cfg.ControlPlanePort,
			"sandboxId", cfg.SandboxID,
			"workspace", cfg.WorkspaceRoot,
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	srv.Shutdown(ctx)
	return nil
}
