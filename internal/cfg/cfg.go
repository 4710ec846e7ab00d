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

// Package cfg is responsible for loading and accessing the renewal agent
// configuration.
package cfg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	ini "gopkg.in/ini.v1"
)

var (
	// instance is the single instance of configuration sections, once loaded
	// this package should always return it.
	instance *Sections

	// dataSources is a pointer to a data source loading/defining function,
	// unit tests will want to change this pointer to whatever makes sense to
	// its implementation.
	dataSources = defaultDataSources

	// defaultConfigValues holds the default values for the template.
	defaultConfigValues = map[string]string{
		"logFile":  defaultLogFile,
		"lockFile": defaultLockFile,
	}

	// panicFc is a reference to panic(), it's overridden in unit tests.
	panicFc = panicWrapper

	// cfgMu protects the initialization and retrieval of config instance.
	cfgMu sync.RWMutex
)

const (
	// defaultConfigTemplate is the default configuration template for the
	// configuration sections.
	defaultConfigTemplate = `
[Core]
log_level = 1
log_file = {{.logFile}}
use_log_file = true

[Renewal]
domain =
threshold_days = 5
certbot_path = certbot
renew_timeout = 10m
pre_command =
post_command =

[AccessWindow]
protocol = tcp
from_port = 80
to_port = 80
cidr = 0.0.0.0/0
description = temp-letsrenew-rule
lock_file = {{.lockFile}}
`
)

// Sections encapsulates all the configuration sections.
type Sections struct {
	// Core defines the agent wide configuration entries/keys.
	Core *Core `ini:"Core,omitempty"`

	// Renewal defines what certificate is renewed, when renewal is due and
	// the hooks run around it.
	Renewal *Renewal `ini:"Renewal,omitempty"`

	// AccessWindow defines the temporary security group rule opened for the
	// duration of the renewal challenge.
	AccessWindow *AccessWindow `ini:"AccessWindow,omitempty"`
}

// Core contains the configuration entries not tied to a subsystem.
type Core struct {
	// LogLevel defines the operator facing verbosity, 0 (critical only)
	// through 2 (full passthrough of subprocess output). The CLI's flag takes
	// precedence over this configuration.
	LogLevel int `ini:"log_level,omitempty"`
	// LogFile defines the persistent log file. The CLI's flag takes
	// precedence over this configuration.
	LogFile string `ini:"log_file,omitempty"`
	// UseLogFile toggles persistence; when false output not shown
	// interactively is discarded.
	UseLogFile bool `ini:"use_log_file,omitempty"`
	// Version is the version of the running binary. Internal use only, set
	// dynamically when config is loaded in main.
	Version string `ini:"-"`
}

// Renewal contains the configuration of the Renewal section.
type Renewal struct {
	// Domain is the certificate's domain name. Required.
	Domain string `ini:"domain,omitempty"`
	// ThresholdDays is the remaining validity, in days, below which renewal
	// runs. 0 means renew only once already expired.
	ThresholdDays int `ini:"threshold_days,omitempty"`
	// CertbotPath is the certbot binary invoked for status and issuance.
	CertbotPath string `ini:"certbot_path,omitempty"`
	// RenewTimeout bounds the certbot issuance call so the access window is
	// closed even if the tool hangs.
	RenewTimeout string `ini:"renew_timeout,omitempty"`
	// PreCommand is a shell command run before issuance, i.e. stopping the
	// service holding port 80. Empty skips the hook.
	PreCommand string `ini:"pre_command,omitempty"`
	// PostCommand is a shell command run after the window is closed, i.e.
	// moving certificates and restarting services. Empty skips the hook.
	PostCommand string `ini:"post_command,omitempty"`
}

// AccessWindow contains the configuration of the AccessWindow section.
type AccessWindow struct {
	// Protocol is the IP protocol of the temporary ingress rule.
	Protocol string `ini:"protocol,omitempty"`
	// FromPort is the first port of the temporary ingress rule's range.
	FromPort int `ini:"from_port,omitempty"`
	// ToPort is the last port of the temporary ingress rule's range.
	ToPort int `ini:"to_port,omitempty"`
	// CIDR is the source range the temporary rule admits.
	CIDR string `ini:"cidr,omitempty"`
	// Description tags the temporary rule so operators can audit it.
	Description string `ini:"description,omitempty"`
	// LockFile is the lock acquired before the window opens so two runs never
	// race on the same security group.
	LockFile string `ini:"lock_file,omitempty"`
}

// panicWrapper is a wrapper over panic() to make it testable.
func panicWrapper(args ...any) {
	panic(args)
}

func applyTemplate(templateStr string, data map[string]string, buffer io.Writer) error {
	t, err := template.New("").Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	if err := t.Execute(buffer, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

func defaultDataSources(extraDefaults []byte) []any {
	var res []any

	if len(extraDefaults) > 0 {
		res = append(res, extraDefaults)
	}

	return append(res, defaultConfigFile)
}

// Load loads the default configuration and the configuration from the
// default config file.
func Load(extraDefaults []byte) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	opts := ini.LoadOptions{
		Loose:       true,
		Insensitive: true,
	}

	var buffer bytes.Buffer
	if err := applyTemplate(defaultConfigTemplate, defaultConfigValues, &buffer); err != nil {
		return fmt.Errorf("unable to apply %v to config template: %w", defaultConfigValues, err)
	}

	sources := dataSources(extraDefaults)
	galog.V(3).Debugf("Loading configuration from sources: %v", sources)
	cfg, err := ini.LoadSources(opts, buffer.Bytes(), sources...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %+w", err)
	}

	sections := new(Sections)
	if err := cfg.MapTo(sections); err != nil {
		return fmt.Errorf("failed to map configuration to object: %w", err)
	}

	if err := validate(sections); err != nil {
		return err
	}

	instance = sections
	return nil
}

// validate rejects configurations the orchestrator must never run with.
// Failures here are fatal at startup, before any side effect.
func validate(sections *Sections) error {
	if sections.Renewal == nil || sections.Renewal.Domain == "" {
		return fmt.Errorf("invalid configuration: no renewal domain set")
	}
	if sections.Renewal.ThresholdDays < 0 {
		return fmt.Errorf("invalid configuration: threshold_days must be >= 0, got %d", sections.Renewal.ThresholdDays)
	}
	if _, err := time.ParseDuration(sections.Renewal.RenewTimeout); err != nil {
		return fmt.Errorf("invalid configuration: renew_timeout: %w", err)
	}
	if sections.Core.LogLevel < 0 || sections.Core.LogLevel > 2 {
		return fmt.Errorf("invalid configuration: log_level must be 0, 1 or 2, got %d", sections.Core.LogLevel)
	}
	if sections.Core.UseLogFile && sections.Core.LogFile == "" {
		return fmt.Errorf("invalid configuration: use_log_file is set but log_file is empty")
	}
	return nil
}

// Retrieve returns the configuration's instance previously loaded with
// Load().
func Retrieve() *Sections {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if instance == nil {
		panicFc("cfg package was not initialized, Load() should be called in the early initialization code path")
	}
	return instance
}

// Timeout returns the parsed renew_timeout. Validation at load time
// guarantees the value parses.
func (r *Renewal) Timeout() time.Duration {
	d, err := time.ParseDuration(r.RenewTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// ToString returns the configuration's instance previously loaded with
// Load() as a string.
func ToString() (string, error) {
	cfgMu.RLock()
	defer cfgMu.RUnlock()

	buffer := new(bytes.Buffer)

	cfg := ini.Empty()
	if err := ini.ReflectFrom(cfg, instance); err != nil {
		return "", fmt.Errorf("failed to reflect configuration to object: %w", err)
	}

	if _, err := cfg.WriteTo(buffer); err != nil {
		return "", fmt.Errorf("failed to write configuration to buffer: %w", err)
	}

	return strings.TrimSpace(buffer.String()), nil
}
