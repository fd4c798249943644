// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/munin-sh/munin-mcp/internal/clock"
	"github.com/munin-sh/munin-mcp/internal/config"
	"github.com/munin-sh/munin-mcp/internal/maint"
	"github.com/munin-sh/munin-mcp/internal/server"
	"github.com/munin-sh/munin-mcp/internal/service"
	"github.com/munin-sh/munin-mcp/internal/vault"
)

// Version is set at build time via ldflags (e.g. -X main.Version={{.Version}}).
var Version = "dev"

func main() {
	// MCP servers must ONLY output JSON-RPC to stdout; all logging goes
	// to stderr
	log.SetOutput(os.Stderr)

	configPath := flag.String("config", "", "Path to config file")
	storageRoot := flag.String("storage", "", "Storage root directory (overrides config)")
	vaultPath := flag.String("vault", "", "Long-term vault directory (overrides config)")
	runMaint := flag.Bool("maintenance", false, "Run one maintenance cycle and exit")
	rebuildLTM := flag.Bool("rebuild-ltm", false, "Rebuild the vault index and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Munin MCP Server - temporal memory for AI assistants\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s                      Start MCP server (stdio)\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --maintenance        Run GC, compaction and index refresh once\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --rebuild-ltm        Rebuild the vault index from a full scan\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *storageRoot != "" {
		cfg.Storage.Root = *storageRoot
	}
	if *vaultPath != "" {
		cfg.Vault.Path = *vaultPath
	}

	svc, err := service.New(cfg, clock.System{})
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer svc.Close()

	ctx := context.Background()

	if *rebuildLTM {
		res, err := svc.RefreshLTM(ctx, true)
		if err != nil {
			log.Fatalf("failed to rebuild ltm index: %v", err)
		}
		log.Printf("ltm index rebuilt: %d scanned, %d indexed", res.Scanned, res.Updated)
		return
	}

	if *runMaint {
		svc.Maintainer().RunCycle(ctx)
		return
	}

	// Catch up the vault index before serving so first searches see it
	if svc.LTM() != nil {
		if _, err := svc.RefreshLTM(ctx, false); err != nil {
			log.Printf("initial ltm refresh failed: %v", err)
		}
	}

	scheduler, err := maint.NewScheduler(svc.Maintainer(), cfg.Maintenance.Schedule)
	if err != nil {
		log.Fatalf("failed to create maintenance scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Vault.Watch && svc.LTM() != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		watcher, err := vault.NewWatcher(svc.LTM(), func() {
			if _, err := svc.RefreshLTM(watchCtx, false); err != nil {
				log.Printf("watched ltm refresh failed: %v", err)
			}
		})
		if err != nil {
			log.Printf("vault watcher unavailable: %v", err)
		} else {
			go watcher.Run(watchCtx)
			defer watcher.Close()
		}
	}

	log.Printf("Munin %s serving MCP on stdio (storage: %s)", Version, cfg.Storage.Root)
	srv := server.NewMCPServer(svc, Version)
	if err := srv.ServeStdio(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// loadConfig loads from an explicit path or the default location
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}
