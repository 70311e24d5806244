package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warpdl/ipavault/internal/auth"
	"github.com/warpdl/ipavault/internal/config"
	"github.com/warpdl/ipavault/internal/server"
	"github.com/warpdl/ipavault/pkg/logger"
	"github.com/warpdl/ipavault/pkg/vault"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ipavault: %s", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	l, closeLog := buildLogger(cfg)
	defer closeLog()

	mgr, err := vault.NewManager(vault.ManagerConfig{
		DataDir:          cfg.DataDir,
		DownloadThreads:  cfg.DownloadThreads,
		AutoCleanupDays:  cfg.AutoCleanupDays,
		AutoCleanupMaxMB: cfg.AutoCleanupMaxMB,
		HTTPClient:       &http.Client{Timeout: vault.DownloadTimeout},
	}, l)
	if err != nil {
		return err
	}

	ctx, cancel := setupShutdownHandler()
	defer cancel()
	mgr.Start(ctx)

	gate := auth.NewGate(cfg.AccessPassword)
	srv := server.New(mgr, gate, cfg, &http.Client{}, l)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildLogger fans out every log line to stdout and, when the data
// directory is writable, to ipavault.log beneath it. The returned func
// closes the log file (if one was opened) and must run at shutdown.
func buildLogger(cfg config.Config) (logger.Logger, func()) {
	stdout := logger.NewStandardLogger(log.New(os.Stdout, "ipavault: ", log.LstdFlags))

	if err := os.MkdirAll(cfg.DataDir, vault.DefaultDirMode); err != nil {
		return stdout, func() {}
	}
	logPath := filepath.Join(cfg.DataDir, "ipavault.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, vault.DefaultFileMode)
	if err != nil {
		stdout.Warning("could not open %s, logging to stdout only: %v", logPath, err)
		return stdout, func() {}
	}

	file := logger.NewStandardLogger(log.New(f, "ipavault: ", log.LstdFlags))
	return logger.NewMultiLogger(stdout, file), func() { _ = f.Close() }
}

// setupShutdownHandler returns a context canceled on SIGTERM or SIGINT,
// ported from the teacher's cmd/daemon_shutdown_unix.go.
func setupShutdownHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigChan
		signal.Stop(sigChan)
		cancel()
	}()

	return ctx, cancel
}
