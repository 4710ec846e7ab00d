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

// Package orchestrator sequences a renewal run: expiry check, lock, access
// window, hooks and the issuance itself. Its one hard guarantee is that an
// access window it opened is closed before the process exits, renewal
// success or not.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/codybuell/letsrenew/internal/accesswindow"
	"github.com/codybuell/letsrenew/internal/certbot"
	"github.com/codybuell/letsrenew/internal/cfg"
	"github.com/codybuell/letsrenew/internal/console"
	"github.com/codybuell/letsrenew/internal/run"
)

// State identifies where in the renewal sequence a run is, or how it ended.
type State int

const (
	// Idle is the state before Run is called.
	Idle State = iota
	// CheckingExpiry queries the certificate's remaining validity.
	CheckingExpiry
	// NotDue is a terminal state: the certificate has enough validity left.
	NotDue
	// Due means the remaining validity fell below the threshold.
	Due
	// WindowOpening authorizes the temporary ingress rule.
	WindowOpening
	// PreHook runs the operator's pre command.
	PreHook
	// Renewing runs the issuance.
	Renewing
	// WindowClosing revokes the temporary ingress rule.
	WindowClosing
	// PostHook runs the operator's post command.
	PostHook
	// Done is the terminal state of a completed renewal.
	Done
	// Aborted is the terminal state of a run stopped by an error.
	Aborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckingExpiry:
		return "checking-expiry"
	case NotDue:
		return "not-due"
	case Due:
		return "due"
	case WindowOpening:
		return "window-opening"
	case PreHook:
		return "pre-hook"
	case Renewing:
		return "renewing"
	case WindowClosing:
		return "window-closing"
	case PostHook:
		return "post-hook"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// windowCloseTimeout bounds the revocation so a wedged API call cannot keep
// the process, and the open window, alive forever.
const windowCloseTimeout = 2 * time.Minute

// WindowController is the access window surface the orchestrator drives,
// satisfied by [accesswindow.Controller].
type WindowController interface {
	TryLock() (bool, error)
	Unlock() error
	Open(ctx context.Context) (*accesswindow.Window, error)
	Close(ctx context.Context, window *accesswindow.Window) error
}

// Orchestrator runs the renewal sequence for a single domain.
type Orchestrator struct {
	config *cfg.Sections
	gate   *console.Gate
	out    *console.Logger
	window WindowController
	dryRun bool

	state State

	// Swapped in tests.
	daysRemaining func(ctx context.Context, certbotPath, domain string) (int, error)
	renew         func(ctx context.Context, opts certbot.RenewOptions) error
}

// New creates an Orchestrator. In dry run mode it performs the expiry check
// and the group resolution but mutates nothing: no rule, no hooks, no
// issuance.
func New(config *cfg.Sections, gate *console.Gate, out *console.Logger, window WindowController, dryRun bool) *Orchestrator {
	return &Orchestrator{
		config:        config,
		gate:          gate,
		out:           out,
		window:        window,
		dryRun:        dryRun,
		state:         Idle,
		daysRemaining: certbot.DaysRemaining,
		renew:         certbot.Renew,
	}
}

// State returns the orchestrator's current, or terminal, state.
func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) transition(next State) {
	galog.Debugf("State transition: %v -> %v.", o.state, next)
	o.state = next
}

// Run executes the renewal sequence and returns the terminal state. Exit
// mapping is the caller's: NotDue and Done are success, everything else is
// not. A non nil error always accompanies Aborted.
func (o *Orchestrator) Run(ctx context.Context) (State, error) {
	renewal := o.config.Renewal

	o.transition(CheckingExpiry)
	days, err := o.daysRemaining(ctx, renewal.CertbotPath, renewal.Domain)
	if err != nil {
		o.transition(Aborted)
		o.out.Statusf(0, console.Error, "fail", "checking expiry for %s", renewal.Domain)
		return Aborted, err
	}
	o.out.Statusf(1, console.Info, fmt.Sprintf("%d days", days), "checking expiry for %s", renewal.Domain)

	if days >= renewal.ThresholdDays {
		o.transition(NotDue)
		o.out.Statusf(1, console.Info, "not due", "renewal below %d days", renewal.ThresholdDays)
		return NotDue, nil
	}
	o.transition(Due)
	o.out.Statusf(1, console.Info, "due", "renewal below %d days", renewal.ThresholdDays)

	locked, err := o.window.TryLock()
	if err != nil {
		o.transition(Aborted)
		return Aborted, err
	}
	if !locked {
		o.transition(Aborted)
		o.out.Statusf(0, console.Error, "locked", "another renewal is in progress")
		return Aborted, fmt.Errorf("another renewal is in progress, lock is held")
	}
	defer func() {
		if err := o.window.Unlock(); err != nil {
			galog.Warnf("Failed to release renewal lock: %v.", err)
		}
	}()

	opened, runErr := o.renewWithinWindow(ctx)

	// The post command runs even when the issuance failed, the pre command's
	// side effects must be reverted once the window is closed. It is skipped
	// only when the window never opened and the pre command never ran.
	if opened {
		o.transition(PostHook)
		o.runHook(ctx, "post", renewal.PostCommand)
	}

	if runErr != nil {
		o.transition(Aborted)
		return Aborted, runErr
	}

	o.transition(Done)
	o.out.Statusf(1, console.Info, "done", "renewal of %s", renewal.Domain)
	return Done, nil
}

// renewWithinWindow opens the access window and runs the pre hook and the
// issuance inside it, reporting whether the window was ever opened. The
// deferred close runs on every exit path, including issuance errors and
// panics, with a fresh context so cancellation of the run cannot leave the
// rule behind.
func (o *Orchestrator) renewWithinWindow(ctx context.Context) (opened bool, err error) {
	o.transition(WindowOpening)
	window, err := o.window.Open(ctx)
	if err != nil {
		o.out.Statusf(0, console.Error, "fail", "opening access window")
		return false, err
	}
	o.out.Statusf(1, console.Info, "open", "access window")

	defer func() {
		o.transition(WindowClosing)
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), windowCloseTimeout)
		defer cancel()

		if cerr := o.window.Close(closeCtx, window); cerr != nil {
			o.out.Statusf(0, console.Fatal, "fail", "closing access window, remove the ingress rule manually")
			cerr = fmt.Errorf("failed to close access window, the ingress rule may still be open: %w", cerr)
			if err == nil {
				err = cerr
			} else {
				err = fmt.Errorf("%w; %v", err, cerr)
			}
			return
		}
		o.out.Statusf(1, console.Info, "closed", "access window")
	}()

	o.transition(PreHook)
	o.runHook(ctx, "pre", o.config.Renewal.PreCommand)

	o.transition(Renewing)
	if o.dryRun {
		o.out.Statusf(1, console.Info, "skipped", "renewal (dry run)")
		return true, nil
	}

	stream := o.gate.Writer()
	defer flush(stream)

	renewErr := o.renew(ctx, certbot.RenewOptions{
		CertbotPath: o.config.Renewal.CertbotPath,
		Domain:      o.config.Renewal.Domain,
		Timeout:     o.config.Renewal.Timeout(),
		Stream:      stream,
	})
	if renewErr != nil {
		o.out.Statusf(0, console.Error, "fail", "renewal of %s", o.config.Renewal.Domain)
		return true, renewErr
	}
	return true, nil
}

// runHook executes one operator provided shell command, streaming its output
// through the gate. Empty commands are skipped. A failing hook is reported
// but never stops the sequence, the certificate and the window matter more
// than the surrounding service choreography.
func (o *Orchestrator) runHook(ctx context.Context, name, command string) {
	if command == "" {
		return
	}
	if o.dryRun {
		o.out.Statusf(1, console.Info, "skipped", "%s command (dry run)", name)
		return
	}

	galog.Debugf("Running %s command: %q.", name, command)
	stream := o.gate.Writer()
	defer flush(stream)

	opts := run.Options{
		Name:       "/bin/sh",
		Args:       []string{"-c", command},
		OutputType: run.OutputStream,
		Stream:     stream,
	}
	if _, err := run.WithContext(ctx, opts); err != nil {
		galog.Warnf("The %s command failed: %v.", name, err)
		o.out.Statusf(0, console.Warn, "fail", "%s command", name)
		return
	}

	o.out.Statusf(1, console.Info, "done", "%s command", name)
}

// flush forces out any partial line a subprocess left unterminated.
func flush(w io.Writer) {
	if f, ok := w.(interface{ Flush() }); ok {
		f.Flush()
	}
}
