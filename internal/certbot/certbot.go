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

// Package certbot drives the external renewal tool: querying how many days
// a certificate has left and performing the standalone issuance.
package certbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/codybuell/letsrenew/internal/run"
)

var (
	// ErrToolUnavailable flags that certbot could not be located or refused
	// to run the status query.
	ErrToolUnavailable = errors.New("renewal tool unavailable")
	// ErrUnknownCertificate flags that certbot has no certificate for the
	// requested domain.
	ErrUnknownCertificate = errors.New("certificate not known to renewal tool")
	// ErrUnparseableStatus flags that certbot's status output carried no
	// usable validity figure. Callers must treat this as a hard stop, never
	// as zero days remaining.
	ErrUnparseableStatus = errors.New("unparseable certificate status")
)

var (
	// validRe matches certbot's remaining validity figure, i.e.
	// "(VALID: 89 days)" or "(VALID: 1 day)".
	validRe = regexp.MustCompile(`\(VALID:\s+(\d+)\s+days?\)`)
	// expiredRe matches the marker of an already expired certificate.
	expiredRe = regexp.MustCompile(`\(INVALID:[^)]*EXPIRED[^)]*\)`)
	// expiryDateRe captures the raw expiration timestamp, used to compute a
	// negative days figure for expired certificates.
	expiryDateRe = regexp.MustCompile(`Expiry Date:\s+(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}[+-]\d{2}:\d{2})`)
)

// expiryDateLayout is the timestamp layout certbot prints expirations in.
const expiryDateLayout = "2006-01-02 15:04:05-07:00"

// timeNow is the clock, swapped in tests for stable day math.
var timeNow = time.Now

// DaysRemaining queries certbot for the remaining validity of the domain's
// certificate. The figure is negative when the certificate has already
// expired.
func DaysRemaining(ctx context.Context, certbotPath, domain string) (int, error) {
	opts := run.Options{
		Name:       certbotPath,
		Args:       []string{"certificates", "-d", domain},
		OutputType: run.OutputCombined,
	}

	res, err := run.WithContext(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}

	return parseStatus(res.Output, domain)
}

// parseStatus extracts the days-remaining figure from certbot's free text
// status output.
func parseStatus(output, domain string) (int, error) {
	if !strings.Contains(output, "Certificate Name:") || strings.Contains(output, "No certificates found") {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCertificate, domain)
	}

	if m := validRe.FindStringSubmatch(output); m != nil {
		days, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnparseableStatus, m[1])
		}
		return days, nil
	}

	if expiredRe.MatchString(output) {
		// Recover how long ago it expired when the timestamp parses,
		// otherwise report it as barely expired.
		if m := expiryDateRe.FindStringSubmatch(output); m != nil {
			if expiry, err := time.Parse(expiryDateLayout, m[1]); err == nil {
				days := int(expiry.Sub(timeNow()).Hours() / 24)
				if days >= 0 {
					days = -1
				}
				return days, nil
			}
		}
		return -1, nil
	}

	return 0, fmt.Errorf("%w: no validity figure for %q", ErrUnparseableStatus, domain)
}

// RenewOptions parameterizes an issuance run.
type RenewOptions struct {
	// CertbotPath is the certbot binary.
	CertbotPath string
	// Domain is the certificate's domain name.
	Domain string
	// Timeout bounds the issuance so the caller regains control even if the
	// challenge hangs.
	Timeout time.Duration
	// Stream receives certbot's raw output while it runs.
	Stream io.Writer
}

// Renew performs the standalone issuance for the domain. The caller is
// responsible for having the challenge port reachable before calling and
// for narrowing access afterwards, renewal success or not.
func Renew(ctx context.Context, opts RenewOptions) error {
	galog.Infof("Renewing certificate for %q.", opts.Domain)

	runOpts := run.Options{
		Name:       opts.CertbotPath,
		Args:       []string{"certonly", "--standalone", "--non-interactive", "-d", opts.Domain},
		OutputType: run.OutputStream,
		Stream:     opts.Stream,
		Timeout:    opts.Timeout,
	}

	if _, err := run.WithContext(ctx, runOpts); err != nil {
		if _, ok := run.AsTimeoutError(err); ok {
			return fmt.Errorf("renewal timed out after %v: %w", opts.Timeout, err)
		}
		return fmt.Errorf("renewal failed: %w", err)
	}

	galog.Infof("Certificate for %q renewed.", opts.Domain)
	return nil
}
