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

// Package console controls what reaches the operator's terminal versus the
// persistent log file. The Gate owns the process wide stdout/stderr
// redirection; the Logger renders the leveled, columnated status lines the
// agent emits around each orchestration step.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
)

// ansiRe matches the color escape sequences that must never reach the
// persistent log.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// maxLineSize caps a single drained line from a rebound stream.
const maxLineSize = 1024 * 1024

// Options configures the Gate.
type Options struct {
	// LogFile is the append-only persistent sink. Required when UseLogFile is
	// set; opening failures are reported at setup, never silently swallowed.
	LogFile string
	// UseLogFile enables persistence. When disabled, output suppressed from
	// the terminal is discarded.
	UseLogFile bool
	// Verbose starts the gate in full passthrough: raw subprocess output
	// reaches the terminal as well as the persistent sink.
	Verbose bool
	// Terminal overrides the interactive stream. Defaults to os.Stdout,
	// tests point it at a buffer.
	Terminal io.Writer
}

// pipeRedirect is one rebound standard stream: the saved original, the pipe
// that replaced it and the drain goroutine's completion signal.
type pipeRedirect struct {
	orig    *os.File
	r, w    *os.File
	drained chan struct{}
}

// Gate routes everything the process and its subprocesses write to the
// standard streams. In the quiet regime raw output goes to the log file
// only; in the verbose regime it is duplicated to the terminal. The zero
// value is not usable, construct with [Setup] or, for output that should
// bypass stream rebinding, [New].
type Gate struct {
	mu      sync.Mutex
	verbose bool

	// terminal is the interactive stream saved before rebinding. Logger
	// flashes go here even while the gate is quiet.
	terminal io.Writer
	logFile  *os.File

	stdout *pipeRedirect
	stderr *pipeRedirect
}

// New creates a Gate without touching the process streams. Raw output only
// obeys the gate when routed through [Gate.Writer]; main wires subprocess
// execution that way. Fails fast when the persistent sink cannot be opened.
func New(opts Options) (*Gate, error) {
	g := &Gate{verbose: opts.Verbose, terminal: os.Stdout}
	if opts.Terminal != nil {
		g.terminal = opts.Terminal
	}

	if opts.UseLogFile {
		f, err := os.OpenFile(opts.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("unable to open log file %q: %w", opts.LogFile, err)
		}
		g.logFile = f
	}

	return g, nil
}

// Setup creates a Gate and rebinds os.Stdout and os.Stderr so stray writes
// from any code path observe the gate's regime. Restore undoes the
// rebinding.
func Setup(opts Options) (*Gate, error) {
	g, err := New(opts)
	if err != nil {
		return nil, err
	}

	stdout, err := redirect(os.Stdout, g)
	if err != nil {
		g.closeLogFile()
		return nil, err
	}
	stderr, err := redirect(os.Stderr, g)
	if err != nil {
		stdout.restore(&os.Stdout)
		g.closeLogFile()
		return nil, err
	}

	g.stdout = stdout
	g.stderr = stderr
	if opts.Terminal == nil {
		g.terminal = stdout.orig
	}
	os.Stdout = stdout.w
	os.Stderr = stderr.w

	return g, nil
}

// redirect builds the save/rebind pair for one stream and starts its drain.
func redirect(orig *os.File, g *Gate) (*pipeRedirect, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("unable to create redirection pipe: %w", err)
	}

	p := &pipeRedirect{orig: orig, r: r, w: w, drained: make(chan struct{})}

	go func() {
		defer close(p.drained)
		scanner := bufio.NewScanner(r)
		// Subprocess output can exceed the default 64KiB token cap, which
		// would stop the drain and wedge the rebound stream.
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			g.emit(scanner.Text())
		}
	}()

	return p, nil
}

// restore puts the saved stream back and waits for the drain goroutine so
// no buffered line is lost.
func (p *pipeRedirect) restore(slot **os.File) {
	*slot = p.orig
	p.w.Close()
	<-p.drained
	p.r.Close()
}

// Restore reinstates the original standard streams, drains any buffered
// output into the sinks and closes the persistent sink. The gate must not
// be used afterwards.
func (g *Gate) Restore() {
	if g.stdout != nil {
		g.stdout.restore(&os.Stdout)
		g.stdout = nil
	}
	if g.stderr != nil {
		g.stderr.restore(&os.Stderr)
		g.stderr = nil
	}
	g.closeLogFile()
}

func (g *Gate) closeLogFile() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.logFile != nil {
		g.logFile.Close()
		g.logFile = nil
	}
}

// emit routes one raw line according to the current regime. The single
// mutex is what guarantees line level atomicity between the agent's own
// output and concurrent subprocess writers.
func (g *Gate) emit(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.verbose {
		fmt.Fprintln(g.terminal, line)
	}
	if g.logFile != nil {
		fmt.Fprintln(g.logFile, ansiRe.ReplaceAllString(line, ""))
	}
}

// flash writes one already rendered line straight to the interactive
// stream, regardless of regime, and a color free copy to the persistent
// sink. This is the Logger's peek-through: the quiet regime keeps raw
// subprocess noise off the terminal without suppressing status lines.
func (g *Gate) flash(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fmt.Fprintln(g.terminal, line)
	if g.logFile != nil {
		fmt.Fprintln(g.logFile, ansiRe.ReplaceAllString(line, ""))
	}
}

// persist writes one line to the persistent sink only.
func (g *Gate) persist(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.logFile != nil {
		fmt.Fprintln(g.logFile, ansiRe.ReplaceAllString(line, ""))
	}
}

// swapRegime atomically switches the regime and returns the previous one.
// By the time it returns subsequent writes observe the new regime.
func (g *Gate) swapRegime(verbose bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.verbose
	g.verbose = verbose
	return prev
}

// WithVerbose runs fn with the gate in the verbose regime, restoring the
// previous regime on every exit path.
func (g *Gate) WithVerbose(fn func()) {
	prev := g.swapRegime(true)
	defer g.swapRegime(prev)
	fn()
}

// WithQuiet runs fn with the gate in the quiet regime, restoring the
// previous regime on every exit path.
func (g *Gate) WithQuiet(fn func()) {
	prev := g.swapRegime(false)
	defer g.swapRegime(prev)
	fn()
}

// Verbose reports whether the gate is currently in the verbose regime.
func (g *Gate) Verbose() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verbose
}

// Writer returns the sink subprocess output should be wired to. Each
// newline terminated chunk is routed as one line under the regime current
// at write time.
func (g *Gate) Writer() io.Writer {
	return &lineWriter{gate: g}
}

// lineWriter adapts stream writes into per line emits, buffering partial
// lines until their newline arrives.
type lineWriter struct {
	mu      sync.Mutex
	gate    *Gate
	partial strings.Builder
}

// Write implements io.Writer.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, b := range p {
		if b == '\n' {
			w.gate.emit(w.partial.String())
			w.partial.Reset()
			continue
		}
		w.partial.WriteByte(b)
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial.Len() > 0 {
		w.gate.emit(w.partial.String())
		w.partial.Reset()
	}
}
