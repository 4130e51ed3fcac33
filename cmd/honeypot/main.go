// IPSwamp honeypot daemon.
//
// Exposes fake SMTP/POP3/IMAP/SSH/FTP/MySQL/HTTP(S) services, classifies
// attacker interactions, and reports them to the scoring backend with
// heartbeats and an offline spool for backend outages.
//
// Usage:
//
//	honeypot [-config honeypot.yaml]
//
// Configuration is environment-first; internal/config documents every
// variable and its default.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipswamp/honeypot/internal/config"
	"github.com/ipswamp/honeypot/internal/logging"
	"github.com/ipswamp/honeypot/internal/supervisor"
)

var (
	flagConfig  = flag.String("config", "", "Optional YAML config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Printf("honeypot %s\n", supervisor.Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(cfg.LogDir, cfg.DebugMode)
	log := logging.Logger()

	sup, err := supervisor.New(cfg, log, logging.Attack(), logging.Suspicious())
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("honeypot failed")
		os.Exit(1)
	}
}
