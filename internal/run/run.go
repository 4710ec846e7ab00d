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

// Package run executes external tools - certbot and the renewal hooks - and
// normalizes their results.
package run

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/galog"
)

// Client is the Runner running commands. Tests swap it for a mock.
var Client RunnerInterface

// RunnerInterface defines the runner running commands.
type RunnerInterface interface {
	WithContext(ctx context.Context, opts Options) (*Result, error)
}

// OutputType represents how a command's output is captured.
type OutputType int

const (
	// OutputNone discards stdout. The process' stderr is still piped and
	// buffered and is reported in the returned error.
	OutputNone OutputType = iota
	// OutputStdout captures stdout into [Result]'s Output field.
	OutputStdout
	// OutputCombined captures stdout+stderr combined into [Result]'s Output
	// field.
	OutputCombined
	// OutputStream forwards stdout and stderr line by line into the writer
	// set with [Options]' Stream field while the command runs. Output is
	// additionally buffered and returned in [Result]'s Output field.
	OutputStream
)

// Options represents the command options.
type Options struct {
	// OutputType selects the capture mode for the command's output.
	OutputType OutputType
	// Name is the command name.
	Name string
	// Args is the command arguments.
	Args []string
	// Input is written to the process stdin.
	Input string
	// Timeout bounds the command execution. Zero means no timeout.
	Timeout time.Duration
	// Dir specifies the working directory of the command/process. If not
	// specified the exec.Command's Dir behavior is honored.
	Dir string
	// Stream receives the command's output line by line when OutputType is
	// OutputStream. Writes are serialized, one line per Write call.
	Stream io.Writer
}

// Result represents the result of running a command.
type Result struct {
	// OutputType is the output type requested/configured with [Options].
	OutputType OutputType
	// Output is the captured output, depending on the OutputType it could be
	// stdout, combined output or empty.
	Output string
}

// Runner implements the RunnerInterface against the local OS.
type Runner struct{}

func init() {
	Client = Runner{}
}

// WithContext runs the command with the given [Options].
func WithContext(ctx context.Context, opts Options) (*Result, error) {
	return Client.WithContext(ctx, opts)
}

// WithContext runs the command with the given [Options].
func (rr Runner) WithContext(ctx context.Context, opts Options) (*Result, error) {
	mainContext := ctx
	if opts.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	timeoutResult := func(res *Result, err error) (*Result, error) {
		if err != nil && mainContext.Err() == nil && ctx.Err() != nil {
			return res, &TimeoutError{err: err}
		}
		return res, err
	}

	switch opts.OutputType {
	case OutputStream:
		return timeoutResult(streamOutput(ctx, opts))
	case OutputCombined:
		return timeoutResult(combinedOutput(ctx, opts))
	default:
		return timeoutResult(splitOutput(ctx, opts))
	}
}

// streamOutput runs the command forwarding its output to opts.Stream as it
// is produced, one line per write.
func streamOutput(ctx context.Context, opts Options) (*Result, error) {
	galog.Debugf("Running command: %s %v", opts.Name, opts.Args)

	if opts.Stream == nil {
		return nil, fmt.Errorf("stream output requested with no stream writer")
	}

	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir

	if err := writeToStdin(cmd, opts.Input); err != nil {
		return nil, fmt.Errorf("failed to write input in streamOutput: %v", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to obtain pipe to stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to obtain pipe to stderr: %w", err)
	}

	var buffered bytes.Buffer
	var bufferedMu sync.Mutex
	var wg sync.WaitGroup

	forward := func(pipe io.ReadCloser) {
		defer wg.Done()
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			bufferedMu.Lock()
			buffered.WriteString(line)
			if _, err := io.WriteString(opts.Stream, line); err != nil {
				galog.Errorf("Failed to forward command output: %v", err)
			}
			bufferedMu.Unlock()
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start command: %w", err)
	}

	wg.Add(2)
	go forward(stdout)
	go forward(stderr)

	// Pipes must be fully drained before Wait.
	wg.Wait()
	runErr := cmd.Wait()

	res := &Result{OutputType: OutputStream, Output: buffered.String()}
	if runErr != nil {
		return res, errorWithOutput(runErr, buffered.String())
	}
	return res, nil
}

// splitOutput runs the requested command reading only stdout. In case of
// error stderr is merged with the error, in case of success the output is
// set to [Result]'s Output field.
func splitOutput(ctx context.Context, opts Options) (*Result, error) {
	galog.Debugf("Running command: %s %v", opts.Name, opts.Args)

	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := writeToStdin(cmd, opts.Input); err != nil {
		return nil, fmt.Errorf("failed to write input in splitOutput: %v", err)
	}

	if opts.OutputType == OutputStdout {
		cmd.Stdout = &stdout
	}

	if err := cmd.Run(); err != nil {
		return nil, errorWithOutput(err, stderr.String())
	}

	return &Result{OutputType: opts.OutputType, Output: stdout.String()}, nil
}

// combinedOutput runs the requested command and reads the combined output
// (both stdout and stderr).
func combinedOutput(ctx context.Context, opts Options) (*Result, error) {
	galog.Debugf("Running command: %s %v", opts.Name, opts.Args)

	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	if err := writeToStdin(cmd, opts.Input); err != nil {
		return nil, fmt.Errorf("failed to write input in combinedOutput: %v", err)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errorWithOutput(err, string(output))
	}
	return &Result{OutputType: opts.OutputType, Output: string(output)}, nil
}

func writeToStdin(cmd *exec.Cmd, input string) error {
	if input == "" {
		return nil
	}
	stdinpipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to obtain pipe to stdin: %v", err)
	}
	defer stdinpipe.Close()
	if b, err := fmt.Fprint(stdinpipe, input); err != nil {
		return fmt.Errorf("failed to write to stdin pipe: %v", err)
	} else if b != len(input) {
		return fmt.Errorf("attempted to write %d bytes but wrote %d", len(input), b)
	}
	return nil
}

// TimeoutError is the error type returned when a command execution times
// out.
type TimeoutError struct {
	err error
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return e.err.Error()
}

// AsTimeoutError returns a TimeoutError if the error is a TimeoutError.
func AsTimeoutError(err error) (*TimeoutError, bool) {
	var ee *TimeoutError

	if err == nil {
		return nil, false
	}

	if errors.As(err, &ee) {
		return ee, true
	}

	return nil, false
}

// AsExitError returns an ExitError if the error is an ExitError.
func AsExitError(err error) (*exec.ExitError, bool) {
	var ee *exec.ExitError

	if err == nil {
		return nil, false
	}

	if errors.As(err, &ee) {
		return ee, true
	}

	return nil, false
}

// AsNotFoundError reports whether err indicates the command binary could
// not be located on the host.
func AsNotFoundError(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// errorWithOutput merges an error with a command's output.
func errorWithOutput(err error, output string) error {
	if output == "" {
		return err
	}
	return fmt.Errorf("%w; %s", err, output)
}
