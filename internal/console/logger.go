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

package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
)

// dotFillWidth is the width of the dot-fill region used to columnate a
// status line against its right hand detail.
const dotFillWidth = 60

// timestampFormat matches the log file entries operators already grep.
const timestampFormat = "2006-01-02 15:04:05"

// Kind classifies a status line. Unknown kinds render without color.
type Kind int

const (
	// Info reports normal progress.
	Info Kind = iota
	// Warn reports conditions worth operator attention that do not abort the
	// run.
	Warn
	// Error reports failed steps the run survives.
	Error
	// Fatal reports failures that terminate the run.
	Fatal
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// paint returns the kind's color, nil for kinds without one.
func (k Kind) paint() *color.Color {
	switch k {
	case Info:
		return color.New(color.FgGreen)
	case Warn:
		return color.New(color.FgCyan)
	case Error:
		return color.New(color.FgYellow)
	case Fatal:
		return color.New(color.FgRed)
	default:
		return nil
	}
}

// Logger emits the leveled, operator facing status lines. A line whose
// level is within the configured verbosity is flashed to the terminal
// through the gate; every line is persisted to the log file (color free)
// when persistence is enabled. Logging never fails and never aborts the
// run.
type Logger struct {
	gate      *Gate
	verbosity int
	// now is the clock, swapped in tests for stable timestamps.
	now func() time.Time
}

// NewLogger returns a Logger routing through gate. verbosity is the
// configured log level (0 through 2) messages are compared against.
func NewLogger(gate *Gate, verbosity int) *Logger {
	return &Logger{gate: gate, verbosity: verbosity, now: time.Now}
}

// Logf emits a status line with no right hand detail.
func (l *Logger) Logf(level int, kind Kind, format string, args ...any) {
	l.Statusf(level, kind, "", format, args...)
}

// Statusf emits a status line columnated against a right hand detail.
// Level 0 is the unconditional tier: always flashed when the configured
// verbosity admits anything at all, always persisted.
func (l *Logger) Statusf(level int, kind Kind, right string, format string, args ...any) {
	message := columnate(fmt.Sprintf(format, args...), right)
	head := fmt.Sprintf("%s (%s) ", l.now().Format(timestampFormat), kind)

	if level > l.verbosity {
		// Interactive suppression never suppresses persistence.
		l.gate.persist(head + message)
		return
	}

	body := message
	if c := kind.paint(); c != nil {
		body = c.Sprint(message)
	}
	l.gate.flash(head + body)
}

// columnate joins a message and its right hand detail with a dot fill
// padded to a fixed width. Overlong messages simply eat into the fill, an
// empty fill degrades to a plain join.
func columnate(message, right string) string {
	if right == "" {
		return message
	}
	fill := dotFillWidth - len(message)
	if fill < 0 {
		fill = 0
	}
	return message + strings.Repeat(".", fill) + " " + right
}
