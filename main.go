package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/lmrelay/go-claudeproxy/internal/config"
	"github.com/lmrelay/go-claudeproxy/internal/engine"
	"github.com/lmrelay/go-claudeproxy/internal/ratelimit"
	"github.com/lmrelay/go-claudeproxy/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: go-claudeproxy <command> [flags]")
		fmt.Fprintln(os.Stderr, "Commands: serve, info")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(cmdServe())
	case "info":
		os.Exit(cmdInfo())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Commands: serve, info")
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Listen address (overrides LMRELAY_ADDR)")
	backend := fs.String("backend", "", "Backend id (overrides LMRELAY_BACKEND)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.Parse(os.Args[2:])

	if *backend != "" {
		os.Setenv("LMRELAY_BACKEND", *backend)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := setupLogger(cfg.LogLevel)

	e := engine.New(cfg, ratelimit.NewRegistry(), logger)
	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.New(e, logger),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	color.New(color.Bold, color.FgCyan).Fprintln(os.Stderr, "go-claudeproxy")
	logger.Info("claudeproxy starting",
		"addr", cfg.Addr,
		"backend", cfg.Backend.ID,
		"model", cfg.ModelDefault)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

func cmdInfo() int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	cfg, err := config.Load()
	if err != nil {
		color.Red("configuration error: %v", err)
		return 1
	}

	bold := color.New(color.Bold)
	bold.Println("go-claudeproxy")
	fmt.Println()
	fmt.Printf("  backend:   %s\n", color.CyanString(cfg.Backend.ID))
	fmt.Printf("  base url:  %s\n", cfg.Backend.BaseURL)
	fmt.Printf("  model:     %s\n", cfg.ModelDefault)
	if cfg.ModelOpus != "" {
		fmt.Printf("  opus:      %s\n", cfg.ModelOpus)
	}
	if cfg.ModelSonnet != "" {
		fmt.Printf("  sonnet:    %s\n", cfg.ModelSonnet)
	}
	if cfg.ModelHaiku != "" {
		fmt.Printf("  haiku:     %s\n", cfg.ModelHaiku)
	}
	fmt.Printf("  rate:      %d req / %s\n", cfg.Backend.RateLimit, cfg.Backend.RateWindow)
	if cfg.Backend.APIKey != "" {
		color.Green("  api key:   configured")
	} else {
		color.Yellow("  api key:   not set")
	}
	if len(cfg.ExtraParams) > 0 {
		fmt.Printf("  extra params:")
		for k := range cfg.ExtraParams {
			fmt.Printf(" %s", k)
		}
		fmt.Println()
	}
	return 0
}
