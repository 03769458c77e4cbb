// Command elogbookd serves the eLogbook HTTP API.
//
// Configuration comes from the environment (see internal/platform/config),
// optionally seeded from a dotenv file. With -issue-token the command prints a
// bearer token for an existing user and exits instead of serving.
package main

import (
	"context"
	"elogbook/internal/platform/config"
	"elogbook/internal/platform/logger"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownGrace = 10 * time.Second

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("elogbookd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		envFile    string
		issueFor   string
		issueTTL   time.Duration
		listenAddr string
	)
	fs.StringVar(&envFile, "env", ".env", "dotenv file loaded before reading the environment")
	fs.StringVar(&issueFor, "issue-token", "", "print a bearer token for this username and exit")
	fs.DurationVar(&issueTTL, "token-ttl", 0, "lifetime of an issued token (default ELOGBOOK_TOKEN_TTL)")
	fs.StringVar(&listenAddr, "addr", "", "listen address (default ELOGBOOK_ADDR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if listenAddr != "" {
		cfg.Addr = listenAddr
	}
	zl, err := logger.NewWithWriter(cfg.Log, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = zl.Sync() }()
	log := logger.Adapt(zl)

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close", "error", err)
		}
	}()

	if issueFor != "" {
		if issueTTL <= 0 {
			issueTTL = cfg.TokenTTL
		}
		token, err := a.issueToken(ctx, issueFor, issueTTL)
		if err != nil {
			log.Error("issue token", "username", issueFor, "error", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, token)
		return 0
	}

	if err := serve(ctx, cfg.Addr, a.handler, log); err != nil {
		log.Error("http server failed", "error", err)
		return 1
	}
	return 0
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, addr string, h http.Handler, log logger.Sugared) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
