// Command natnegproxy runs the NatNeg relay: it resolves the upstream
// rendezvous server on behalf of hidden clients, rewrites the address
// fields embedded in NatNeg packets, and relays the resulting peer-to-peer
// UDP traffic. Process bootstrap is flag-parse/load-config/init-logger/
// wait-for-signal, trimmed to this proxy's single long-running worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/langyo/CNCOnlineForwarder/internal/config"
	"github.com/langyo/CNCOnlineForwarder/internal/corelog"
	"github.com/langyo/CNCOnlineForwarder/internal/ioruntime"
	"github.com/langyo/CNCOnlineForwarder/internal/publicip"
	"github.com/langyo/CNCOnlineForwarder/internal/session"
)

const component = "IOManager"

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("natnegproxy %s (commit=%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := corelog.NewLogger(cfg.Logging)
	defer log.Close()

	if err := run(cfg, log); err != nil {
		log.Fatalf(component, "unhandled error: %v", err)
	}
}

func run(cfg config.Config, log *corelog.Logger) error {
	log.Infof(component, "natnegproxy starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := ioruntime.NewRuntime()

	provider := publicip.New(cfg.PublicAddress.Endpoint, cfg.PublicAddress.Interval.Std(), log)
	go provider.Run(ctx)

	dispatcher, err := session.NewDispatcher(
		rt,
		log,
		cfg.Listen,
		cfg.UpstreamHost,
		cfg.UpstreamPort,
		cfg.IdleTimeout.Std(),
		provider,
	)
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	go dispatcher.Run(ctx)

	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- rt.Run(ctx, workers)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Infof(component, "received signal %s, shutting down", s)
	case err := <-runDone:
		if err != nil {
			log.Errorf(component, "worker pool stopped: %v", err)
		}
	}

	cancel()
	rt.Stop()
	dispatcher.Close()

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		log.Warnf(component, "worker pool did not stop within timeout")
	}

	log.Infof(component, "shutdown complete")
	return nil
}
