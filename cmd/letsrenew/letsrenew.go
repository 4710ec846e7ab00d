//  Copyright 2026 Cody Buell
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package main is the letsrenew binary, a cron friendly agent that renews a
// Let's Encrypt certificate behind a temporarily opened security group rule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/codybuell/letsrenew/internal/accesswindow"
	"github.com/codybuell/letsrenew/internal/cfg"
	"github.com/codybuell/letsrenew/internal/console"
	"github.com/codybuell/letsrenew/internal/logger"
	"github.com/codybuell/letsrenew/internal/orchestrator"
	"github.com/spf13/cobra"
)

// version is the version of the binary, stamped in at build time.
var version = "unknown"

// galogShutdownTimeout is the period of time we should wait for galog to
// shutdown.
const galogShutdownTimeout = time.Second

var (
	flagConfig    string
	flagLogLevel  int
	flagLogFile   string
	flagNoLogFile bool
	flagDryRun    bool
)

// newRootCommand generates the root command. letsrenew is a single shot
// binary, the whole renewal sequence hangs off the root's RunE.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "letsrenew",
		Short:   "Renews a certificate behind a temporary security group opening.",
		Long: "letsrenew checks a certificate's remaining validity and, when renewal " +
			"is due, opens a temporary ingress rule on the instance's security group, " +
			"runs the standalone issuance and closes the rule again.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRenewal,
	}

	root.Flags().StringVar(&flagConfig, "config", "", "extra configuration file, merged over the defaults")
	root.Flags().IntVar(&flagLogLevel, "loglevel", 0, "log level: 0 errors only, 1 status lines, 2 full subprocess output")
	root.Flags().StringVar(&flagLogFile, "logfile", "", "path to the log file")
	root.Flags().BoolVar(&flagNoLogFile, "nologfile", false, "disable log file persistence")
	root.Flags().BoolVar(&flagDryRun, "dry-run", false, "go through the motions without mutating anything")

	return root
}

// loadConfig loads the configuration and applies the command line overrides,
// flags take precedence over the configuration file.
func loadConfig(cmd *cobra.Command) error {
	var extra []byte
	if flagConfig != "" {
		var err error
		if extra, err = os.ReadFile(flagConfig); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.Load(extra); err != nil {
		return err
	}

	core := cfg.Retrieve().Core
	core.Version = version
	if cmd.Flags().Changed("loglevel") {
		if flagLogLevel < 0 || flagLogLevel > 2 {
			return fmt.Errorf("invalid log level %d, valid levels are 0, 1 and 2", flagLogLevel)
		}
		core.LogLevel = flagLogLevel
	}
	if cmd.Flags().Changed("logfile") {
		core.LogFile = flagLogFile
	}
	if flagNoLogFile {
		core.UseLogFile = false
	}

	return nil
}

func runRenewal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := loadConfig(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}
	core := cfg.Retrieve().Core

	// The gate owns stdout/stderr from here on. An unopenable log file stops
	// the run before any side effect.
	gate, err := console.Setup(console.Options{
		LogFile:    core.LogFile,
		UseLogFile: core.UseLogFile,
		Verbose:    core.LogLevel >= 2,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up output gate: %v\n", err)
		return err
	}
	defer gate.Restore()
	out := console.NewLogger(gate, core.LogLevel)

	logOpts := logger.Options{
		ProgramVersion: version,
		Level:          diagnosticLevel(core.LogLevel),
	}
	if core.UseLogFile {
		logOpts.LogFile = core.LogFile
	}
	if err := logger.Init(ctx, logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return err
	}
	defer galog.Shutdown(galogShutdownTimeout)

	galog.Infof("letsrenew version %s starting.", version)
	if dump, err := cfg.ToString(); err == nil {
		galog.Debugf("Loaded configuration:\n%s", dump)
	}

	window, err := accesswindow.NewController(ctx, cfg.Retrieve().AccessWindow, flagDryRun)
	if err != nil {
		reportFailure(out, err)
		return err
	}

	orch := orchestrator.New(cfg.Retrieve(), gate, out, window, flagDryRun)
	state, err := orch.Run(ctx)
	galog.Infof("Run finished in state %v.", state)
	if err != nil {
		reportFailure(out, err)
		return err
	}

	return nil
}

// reportFailure emits an error that ends the run. These are always fatal,
// the process terminates right after.
func reportFailure(out *console.Logger, err error) {
	out.Logf(0, console.Fatal, "%v", err)
}

// diagnosticLevel maps the operator facing log level to galog's. Level 2
// turns on debug diagnostics alongside the raw subprocess passthrough.
func diagnosticLevel(logLevel int) int {
	if logLevel >= 2 {
		return 4
	}
	return 3
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
