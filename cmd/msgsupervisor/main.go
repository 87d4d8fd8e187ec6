// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command msgsupervisor keeps a set of named messaging connections alive,
// persists their sessions and routes reactions and replies to sent messages
// back to HTTP callbacks and live subscribers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.mau.fi/util/configupgrade"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/msgsupervisor/pkg/console"
	"github.com/aiku/msgsupervisor/pkg/credstore"
	"github.com/aiku/msgsupervisor/pkg/supervisor"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath  = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	noUpdate    = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	version     = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
	wantHelp, _ = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"msgsupervisor - messaging connection supervisor.",
		"msgsupervisor [-hvn] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("msgsupervisor %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath, !*noUpdate)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)

	if err = run(*log, cfg); err != nil {
		log.Fatal().Err(err).Msg("Supervisor stopped with an error")
	}
}

func loadConfig(path string, save bool) (*supervisor.Config, error) {
	data, _, err := configupgrade.Do(path, save, supervisor.Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return supervisor.ParseConfig(data)
}

func openStore(ctx context.Context, cfg supervisor.DatabaseConfig, log zerolog.Logger) (credstore.Store, func() error, error) {
	if cfg.Type == "memory" {
		log.Warn().Msg("Using in-memory credential store, sessions will not survive a restart")
		return credstore.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := credstore.OpenSQL(ctx, cfg.Type, cfg.URI, log)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func run(log zerolog.Logger, cfg *supervisor.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("Failed to close credential store")
		}
	}()

	registry, err := supervisor.NewRegistry(cfg, supervisor.Dependencies{
		Store:     store,
		NewDialer: dialerFactory(log),
		Log:       log,
	})
	if err != nil {
		return err
	}

	var srv *console.Server
	if cfg.Console.Address != "" {
		srv = console.New(log, registry, cfg.Console)
		srv.Start(cfg.Console.Address)
	}

	log.Info().Str("version", Tag).Strs("connections", registry.Names()).Msg("Starting connections")
	if err = registry.EnsureInitialized(ctx); err != nil {
		log.Warn().Err(err).Msg("Some connections failed to start and will need a manual connect")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var result *multierror.Error
	if srv != nil {
		if err = srv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to stop console: %w", err))
		}
	}
	if err = registry.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop connections: %w", err))
	}
	return result.ErrorOrNil()
}
