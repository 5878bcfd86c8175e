// Command gantryd is the sandbox control-plane daemon. It owns the sandbox
// database, drives containers through the configured runtime, and serves
// the HTTP API that the gantry client talks to, including preview ingress
// for exposed ports.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gantrylabs/gantry/internal/config"
	"github.com/gantrylabs/gantry/internal/controlplane"
	"github.com/gantrylabs/gantry/internal/database"
	"github.com/gantrylabs/gantry/internal/handler"
	"github.com/gantrylabs/gantry/internal/logfile"
	"github.com/gantrylabs/gantry/internal/logger"
	"github.com/gantrylabs/gantry/internal/runtime"
	"github.com/gantrylabs/gantry/internal/runtime/docker"
	"github.com/gantrylabs/gantry/internal/runtime/mock"
	"github.com/gantrylabs/gantry/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gantryd:", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is a development convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// With a log file configured, stdout and stderr are redirected at the
	// descriptor level and the logger writes to stdout as usual.
	if cfg.LogFile != "" {
		if err := logfile.Truncate(cfg.LogFile); err != nil {
			fmt.Fprintln(os.Stderr, "gantryd: truncate log:", err)
		}
		if err := logfile.RedirectStdoutStderr(cfg.LogFile); err != nil {
			return fmt.Errorf("redirect output: %w", err)
		}
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(db.DB)

	var rt runtime.Runtime
	switch cfg.Runtime {
	case "docker":
		dp, err := docker.NewProvider(cfg, log)
		if err != nil {
			return fmt.Errorf("docker runtime: %w", err)
		}
		defer dp.Close()
		rt = dp
	case "mock":
		log.Warn("using the mock runtime, containers are simulated")
		rt = mock.NewProvider()
	}

	m := controlplane.NewManager(cfg, rt, st, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.PolicyFile != "" {
		p, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		m.SetPolicy(p)

		err = config.WatchPolicy(ctx, cfg.PolicyFile, func(p *config.Policy) {
			log.Info("security policy reloaded", "file", cfg.PolicyFile)
			m.SetPolicy(p)
		}, func(err error) {
			log.Warn("security policy reload failed", "error", err)
		})
		if err != nil {
			return fmt.Errorf("watch policy: %w", err)
		}
	}

	m.Start(ctx)
	defer m.Stop()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler.NewServer(cfg, m, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gantryd listening",
			"addr", httpSrv.Addr,
			"runtime", cfg.Runtime,
			"image", cfg.SandboxImage,
			"baseHost", cfg.BaseHost,
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return nil
}
