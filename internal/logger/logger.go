//  Copyright 2026 Cody Buell
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package logger wraps the galog configuration/initialization for the
// agent's diagnostic logging. Operator facing status lines are the console
// package's concern; everything else logs through galog and lands in the
// same persistent log file.
package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/codybuell/letsrenew/internal/utils/file"
)

// Options contains the logger configuration/options.
type Options struct {
	// ProgramVersion is the program version.
	ProgramVersion string
	// LogFile is the path of the log file.
	LogFile string
	// LogToStderr flags if the stderr backend must be enabled. It is meant
	// for interactive debugging; regular runs keep diagnostics in the log
	// file and let the console package own the terminal.
	LogToStderr bool
	// Level is the galog log level.
	Level int
	// Verbosity is the galog verbosity.
	Verbosity int
}

// Init initializes the galog backends.
func Init(ctx context.Context, opts Options) error {
	var enabledLoggers []galog.Backend

	galog.SetMinVerbosity(opts.Verbosity)

	if opts.LogFile != "" {
		if dir := filepath.Dir(opts.LogFile); !file.Exists(dir, file.TypeDir) {
			return fmt.Errorf("log file directory %q does not exist", dir)
		}
		enabledLoggers = append(enabledLoggers, galog.NewFileBackend(opts.LogFile))
	}

	if opts.LogToStderr {
		enabledLoggers = append(enabledLoggers, galog.NewStderrBackend(os.Stderr))
	}

	for _, backend := range enabledLoggers {
		galog.RegisterBackend(ctx, backend)
	}

	level, err := galog.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	galog.SetLevel(level)

	return nil
}
