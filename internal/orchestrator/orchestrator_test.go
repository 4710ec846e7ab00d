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

package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/codybuell/letsrenew/internal/accesswindow"
	"github.com/codybuell/letsrenew/internal/certbot"
	"github.com/codybuell/letsrenew/internal/cfg"
	"github.com/codybuell/letsrenew/internal/console"
	"github.com/codybuell/letsrenew/internal/run"
	"github.com/google/go-cmp/cmp"
)

type fakeWindow struct {
	events *[]string

	lockHeld bool
	lockErr  error
	openErr  error
	closeErr error
}

func (f *fakeWindow) TryLock() (bool, error) {
	*f.events = append(*f.events, "lock")
	if f.lockErr != nil {
		return false, f.lockErr
	}
	return !f.lockHeld, nil
}

func (f *fakeWindow) Unlock() error {
	*f.events = append(*f.events, "unlock")
	return nil
}

func (f *fakeWindow) Open(ctx context.Context) (*accesswindow.Window, error) {
	*f.events = append(*f.events, "open")
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &accesswindow.Window{GroupID: "sg-123"}, nil
}

func (f *fakeWindow) Close(ctx context.Context, window *accesswindow.Window) error {
	*f.events = append(*f.events, "close")
	return f.closeErr
}

type runMock struct {
	callback func(context.Context, run.Options) (*run.Result, error)
}

func (rm *runMock) WithContext(ctx context.Context, opts run.Options) (*run.Result, error) {
	return rm.callback(ctx, opts)
}

// fixture bundles an orchestrator wired to fakes and the event trace the
// fakes append to.
type fixture struct {
	orch   *Orchestrator
	window *fakeWindow
	events *[]string
	out    *bytes.Buffer
}

func newFixture(t *testing.T, days int) *fixture {
	t.Helper()

	config := &cfg.Sections{
		Core: &cfg.Core{LogLevel: 1},
		Renewal: &cfg.Renewal{
			Domain:        "example.com",
			ThresholdDays: 5,
			CertbotPath:   "certbot",
			RenewTimeout:  "10m",
			PreCommand:    "systemctl stop nginx",
			PostCommand:   "systemctl start nginx",
		},
		AccessWindow: &cfg.AccessWindow{Protocol: "tcp", FromPort: 80, ToPort: 80, CIDR: "0.0.0.0/0"},
	}

	var out bytes.Buffer
	gate, err := console.New(console.Options{
		LogFile:    filepath.Join(t.TempDir(), "letsrenew.log"),
		UseLogFile: true,
		Terminal:   &out,
	})
	if err != nil {
		t.Fatalf("console.New() = %v, want nil", err)
	}
	t.Cleanup(gate.Restore)

	events := []string{}
	window := &fakeWindow{events: &events}

	orch := New(config, gate, console.NewLogger(gate, config.Core.LogLevel), window, false)
	orch.daysRemaining = func(ctx context.Context, certbotPath, domain string) (int, error) {
		return days, nil
	}
	orch.renew = func(ctx context.Context, opts certbot.RenewOptions) error {
		events = append(events, "renew")
		return nil
	}

	oldRunClient := run.Client
	run.Client = &runMock{
		callback: func(ctx context.Context, opts run.Options) (*run.Result, error) {
			if opts.Name != "/bin/sh" || len(opts.Args) != 2 || opts.Args[0] != "-c" {
				return nil, fmt.Errorf("unexpected command: %s %v", opts.Name, opts.Args)
			}
			switch opts.Args[1] {
			case "systemctl stop nginx":
				events = append(events, "pre")
			case "systemctl start nginx":
				events = append(events, "post")
			default:
				return nil, fmt.Errorf("unexpected hook: %q", opts.Args[1])
			}
			return &run.Result{}, nil
		},
	}
	t.Cleanup(func() { run.Client = oldRunClient })

	return &fixture{orch: orch, window: window, events: &events, out: &out}
}

func TestRunNotDue(t *testing.T) {
	tests := []struct {
		name string
		days int
	}{
		{name: "plenty-left", days: 30},
		{name: "at-threshold", days: 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.days)

			state, err := f.orch.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() = %v, want nil", err)
			}
			if state != NotDue {
				t.Errorf("Run() state = %v, want %v", state, NotDue)
			}
			if len(*f.events) != 0 {
				t.Errorf("Run() touched the window when not due: %v", *f.events)
			}
		})
	}
}

func TestRunRenewalSequence(t *testing.T) {
	f := newFixture(t, 2)

	state, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if state != Done {
		t.Errorf("Run() state = %v, want %v", state, Done)
	}

	want := []string{"lock", "open", "pre", "renew", "close", "post", "unlock"}
	if diff := cmp.Diff(want, *f.events); diff != "" {
		t.Errorf("Run() event order diff (-want +got):\n%s", diff)
	}
}

func TestRunClosesWindowOnRenewalFailure(t *testing.T) {
	f := newFixture(t, 2)
	renewErr := errors.New("challenge failed")
	f.orch.renew = func(ctx context.Context, opts certbot.RenewOptions) error {
		*f.events = append(*f.events, "renew")
		return renewErr
	}

	state, err := f.orch.Run(context.Background())
	if !errors.Is(err, renewErr) {
		t.Fatalf("Run() error = %v, want %v", err, renewErr)
	}
	if state != Aborted {
		t.Errorf("Run() state = %v, want %v", state, Aborted)
	}

	// The window closes and the post command still reverts the pre command's
	// side effects, a failed issuance only fails the exit status.
	want := []string{"lock", "open", "pre", "renew", "close", "post", "unlock"}
	if diff := cmp.Diff(want, *f.events); diff != "" {
		t.Errorf("Run() event order diff (-want +got):\n%s", diff)
	}
}

func TestRunExpiryErrorAborts(t *testing.T) {
	f := newFixture(t, 0)
	f.orch.daysRemaining = func(ctx context.Context, certbotPath, domain string) (int, error) {
		return 0, certbot.ErrUnparseableStatus
	}

	state, err := f.orch.Run(context.Background())
	if !errors.Is(err, certbot.ErrUnparseableStatus) {
		t.Fatalf("Run() error = %v, want %v", err, certbot.ErrUnparseableStatus)
	}
	if state != Aborted {
		t.Errorf("Run() state = %v, want %v", state, Aborted)
	}
	if len(*f.events) != 0 {
		t.Errorf("Run() touched the window after a failed check: %v", *f.events)
	}
}

func TestRunLockHeldAborts(t *testing.T) {
	f := newFixture(t, 2)
	f.window.lockHeld = true

	state, err := f.orch.Run(context.Background())
	if err == nil {
		t.Fatal("Run() = nil, want lock error")
	}
	if state != Aborted {
		t.Errorf("Run() state = %v, want %v", state, Aborted)
	}

	want := []string{"lock"}
	if diff := cmp.Diff(want, *f.events); diff != "" {
		t.Errorf("Run() event order diff (-want +got):\n%s", diff)
	}
}

func TestRunOpenFailureAborts(t *testing.T) {
	f := newFixture(t, 2)
	f.window.openErr = errors.New("unauthorized")

	state, err := f.orch.Run(context.Background())
	if err == nil {
		t.Fatal("Run() = nil, want open error")
	}
	if state != Aborted {
		t.Errorf("Run() state = %v, want %v", state, Aborted)
	}

	// A window that never opened must not be closed.
	want := []string{"lock", "open", "unlock"}
	if diff := cmp.Diff(want, *f.events); diff != "" {
		t.Errorf("Run() event order diff (-want +got):\n%s", diff)
	}
}

func TestRunHookFailuresDoNotAbort(t *testing.T) {
	f := newFixture(t, 2)

	oldRunClient := run.Client
	run.Client = &runMock{
		callback: func(ctx context.Context, opts run.Options) (*run.Result, error) {
			return nil, errors.New("service refused")
		},
	}
	t.Cleanup(func() { run.Client = oldRunClient })

	state, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v, want failing hooks tolerated", err)
	}
	if state != Done {
		t.Errorf("Run() state = %v, want %v", state, Done)
	}

	// Both hooks fail, the issuance and the window lifecycle proceed.
	want := []string{"lock", "open", "renew", "close", "unlock"}
	if diff := cmp.Diff(want, *f.events); diff != "" {
		t.Errorf("Run() event order diff (-want +got):\n%s", diff)
	}
}

func TestRunCloseFailureSurfaces(t *testing.T) {
	f := newFixture(t, 2)
	f.window.closeErr = errors.New("api down")

	state, err := f.orch.Run(context.Background())
	if err == nil {
		t.Fatal("Run() = nil, want close error")
	}
	if state != Aborted {
		t.Errorf("Run() state = %v, want %v", state, Aborted)
	}

	want := []string{"lock", "open", "pre", "renew", "close", "post", "unlock"}
	if diff := cmp.Diff(want, *f.events); diff != "" {
		t.Errorf("Run() event order diff (-want +got):\n%s", diff)
	}
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t, 2)
	f.orch.dryRun = true

	state, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if state != Done {
		t.Errorf("Run() state = %v, want %v", state, Done)
	}

	// Window calls still happen, the controller no-ops them in dry run. The
	// hooks and the issuance must not run at all.
	want := []string{"lock", "open", "close", "unlock"}
	if diff := cmp.Diff(want, *f.events); diff != "" {
		t.Errorf("Run() event order diff (-want +got):\n%s", diff)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{state: Idle, want: "idle"},
		{state: NotDue, want: "not-due"},
		{state: WindowClosing, want: "window-closing"},
		{state: Done, want: "done"},
		{state: Aborted, want: "aborted"},
		{state: State(42), want: "unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			if got := tc.state.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}
