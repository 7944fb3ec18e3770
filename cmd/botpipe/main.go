// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ManuGH/botpipe/internal/daemon"
	botlog "github.com/ManuGH/botpipe/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	os.Exit(run(strings.TrimSpace(*configPath)))
}

func run(configPath string) int {
	// Safe defaults until the config is loaded.
	botlog.Configure(botlog.Config{Level: "info", Service: "botpipe", Version: version})
	logger := botlog.WithComponent("main")

	ctx, stop := daemon.WaitForShutdown()
	defer stop()

	d, err := daemon.New(ctx, daemon.Config{ConfigPath: configPath, Version: version})
	if err != nil {
		logger.Error().Err(err).Str(botlog.FieldEvent, "startup.failed").Msg("failed to start daemon")
		return 1
	}

	code := 0
	if err := d.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon stopped with error")
		code = 1
	}
	if err := d.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to release resources")
		code = 1
	}
	return code
}
