package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theredsix/abp/internal/attacher"
	"github.com/theredsix/abp/internal/bridge"
	"github.com/theredsix/abp/internal/client"
	"github.com/theredsix/abp/internal/config"
	"github.com/theredsix/abp/internal/control"
	"github.com/theredsix/abp/internal/engine"
	"github.com/theredsix/abp/internal/hub"
	"github.com/theredsix/abp/internal/logging"
	"github.com/theredsix/abp/internal/protocol"
	"github.com/theredsix/abp/internal/supervisor"
)

func main() {
	if len(os.Args) < 2 {
		// No subcommand: speak the RPC bridge on stdin/stdout. This is how
		// MCP clients spawn us.
		runBridge(nil)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "bridge":
		runBridge(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "start":
		runLifecycle("start", os.Args[2:])
	case "stop":
		runLifecycle("stop", os.Args[2:])
	case "restart":
		runLifecycle("restart", os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `abp - browser automation engine shell

usage:
  abp              run the stdin/stdout RPC bridge (default)
  abp bridge       same, explicitly
  abp serve        run the control surface HTTP server
  abp status       show engine state
  abp start        launch the engine
  abp stop         terminate the engine
  abp restart      bounce the engine

flags (serve/bridge/status/start/stop/restart):
  -config PATH     config file (default ~/.abp/config.yaml)`)
}

func loadConfig(args []string, name string) *config.Config {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openLogger(cfg *config.Config) *logging.Logger {
	logger, err := logging.New(cfg.LogPath)
	if err != nil {
		// Logging is best-effort; the nil logger swallows everything.
		fmt.Fprintf(os.Stderr, "log file unavailable: %v\n", err)
		return nil
	}
	return logger
}

func runServe(args []string) {
	cfg := loadConfig(args, "serve")
	logger := openLogger(cfg)
	defer logger.Close()

	engineClient := engine.NewClient(cfg.EngineURL())
	h := hub.New(logger)
	sup := supervisor.New(cfg.Engine, engineClient, logger)
	att := attacher.New(engineClient, h, logger)

	sup.SetStatusFunc(func(running, managed bool) {
		h.Broadcast(&protocol.HubEvent{
			Event:   protocol.EventEngineStatus,
			Running: protocol.Ptr(running),
			Managed: protocol.Ptr(managed),
		})
	})

	ctrl := control.New(sup, att, h, engineClient, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port),
		Handler: ctrl.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("control surface shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shCtx)
		if sup.Managed() {
			sup.Stop(shCtx)
		}
	}()

	logger.Infof("control surface listening on %s", cfg.ControlURL())
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		os.Exit(1)
	}
	<-shutdownDone
}

func runBridge(args []string) {
	cfg := loadConfig(args, "bridge")
	logger := openLogger(cfg)
	defer logger.Close()

	engineClient := engine.NewClient(cfg.EngineURL())
	sup := supervisor.New(cfg.Engine, engineClient, logger)
	b := bridge.New(engineClient, sup, logger, os.Stdin, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("bridge started")
	err := b.Run(ctx)
	stop()

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.Shutdown(shCtx)

	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge error: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	asJSON := fs.Bool("json", false, "output raw JSON")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	st, err := client.New(cfg.ControlURL()).Status(context.Background())
	if err != nil {
		fmt.Println("? control surface offline")
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding status: %v\n", err)
			os.Exit(1)
		}
		return
	}

	mark := "✗"
	if st.Reachable {
		mark = "✓"
	}
	fmt.Printf("%s engine %s (%s, managed=%v)\n", mark, cfg.EngineURL(), st.State, st.Managed)
	if st.SessionDir != "" {
		fmt.Printf("  session dir: %s\n", st.SessionDir)
	}
	if st.Session != nil {
		fmt.Printf("  session:     %s (started %s)\n", st.Session.ID, st.Session.StartedAt.Format(time.RFC3339))
		fmt.Printf("  actions:     %d\n", st.Watermark)
	}
}

func runLifecycle(op string, args []string) {
	cfg := loadConfig(args, op)
	c := client.New(cfg.ControlURL())
	ctx := context.Background()

	var err error
	switch op {
	case "start":
		err = c.Start(ctx)
	case "stop":
		err = c.Stop(ctx)
	case "restart":
		err = c.Restart(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
		os.Exit(1)
	}
	fmt.Printf("%s: ok\n", op)
}
