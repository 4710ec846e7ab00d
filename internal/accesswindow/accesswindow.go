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

// Package accesswindow opens and closes the temporary security group ingress
// rule that exposes the challenge port for the duration of a renewal. The
// group is discovered from the instance's own metadata, so the agent only
// ever mutates the group it is attached to.
package accesswindow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/codybuell/letsrenew/internal/cfg"
	"github.com/codybuell/letsrenew/internal/retry"
	"github.com/gofrs/flock"
)

// EC2 API error codes the controller special cases.
const (
	// errCodeDuplicate is returned when the ingress rule already exists,
	// usually left behind by an earlier run that died before cleanup.
	errCodeDuplicate = "InvalidPermission.Duplicate"
	// errCodeNotFound is returned when revoking a rule that is already gone.
	errCodeNotFound = "InvalidPermission.NotFound"
	// errCodeThrottle is returned when the API rate limits us.
	errCodeThrottle = "RequestLimitExceeded"
)

// awsLoadTimeout bounds AWS credential and region resolution so a broken
// metadata service cannot hang the run.
const awsLoadTimeout = 30 * time.Second

// securityGroupsPath is the instance metadata path listing the instance's
// security group names, one per line.
const securityGroupsPath = "security-groups"

// defaultRetryPolicy retries throttled API calls with exponential backoff.
var defaultRetryPolicy = retry.Policy{
	MaxAttempts:    5,
	Jitter:         time.Second,
	BackoffFactor:  2,
	MaximumBackoff: time.Minute,
	ShouldRetry:    isThrottle,
}

// ec2API is the subset of the EC2 client the controller uses.
type ec2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
}

// metadataAPI is the subset of the instance metadata client the controller
// uses.
type metadataAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// Window represents an open access window. It records exactly what was
// authorized so Close revokes the same rule even if configuration changes
// underneath a running process.
type Window struct {
	// GroupID is the security group holding the temporary rule.
	GroupID string
	// Permission is the authorized ingress rule.
	Permission types.IpPermission
	// OpenedAt is when the rule was authorized.
	OpenedAt time.Time
}

// Controller opens and closes access windows on the instance's security
// group.
type Controller struct {
	settings *cfg.AccessWindow
	ec2      ec2API
	metadata metadataAPI
	lock     *flock.Flock
	policy   retry.Policy
	dryRun   bool
}

// NewController creates a Controller backed by the real EC2 and metadata
// clients. Credentials and region come from the default AWS resolution chain,
// falling back to the instance metadata service for the region.
func NewController(ctx context.Context, settings *cfg.AccessWindow, dryRun bool) (*Controller, error) {
	loadCtx, cancel := context.WithTimeout(ctx, awsLoadTimeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(loadCtx, awsconfig.WithEC2IMDSRegion())
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &Controller{
		settings: settings,
		ec2:      ec2.NewFromConfig(awsCfg),
		metadata: imds.NewFromConfig(awsCfg),
		lock:     flock.New(settings.LockFile),
		policy:   defaultRetryPolicy,
		dryRun:   dryRun,
	}, nil
}

// isThrottle reports whether err is an API rate limit rejection.
func isThrottle(err error) bool {
	return apiErrorCode(err) == errCodeThrottle
}

// apiErrorCode extracts the EC2 API error code from err, or returns an empty
// string for non API errors.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// TryLock attempts to take the window lock without blocking. It returns
// false when another renewal process holds it.
func (c *Controller) TryLock() (bool, error) {
	locked, err := c.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", c.lock.Path(), err)
	}
	return locked, nil
}

// Unlock releases the window lock.
func (c *Controller) Unlock() error {
	return c.lock.Unlock()
}

// groupName resolves the instance's security group name from metadata. The
// instance must carry exactly one group, more than one makes the target
// ambiguous and the run must stop before touching any of them.
func (c *Controller) groupName(ctx context.Context) (string, error) {
	out, err := retry.RunWithResponse(ctx, c.policy, func() (*imds.GetMetadataOutput, error) {
		return c.metadata.GetMetadata(ctx, &imds.GetMetadataInput{Path: securityGroupsPath})
	})
	if err != nil {
		return "", fmt.Errorf("failed to read security groups from instance metadata: %w", err)
	}
	defer out.Content.Close()

	raw, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata response: %w", err)
	}

	names := strings.Fields(string(raw))
	if len(names) == 0 {
		return "", errors.New("instance metadata lists no security groups")
	}
	if len(names) > 1 {
		return "", fmt.Errorf("instance metadata lists %d security groups (%v), cannot pick a target", len(names), names)
	}

	return names[0], nil
}

// resolveGroup maps the metadata provided group name to its group ID. The
// name must match exactly one group in the account.
func (c *Controller) resolveGroup(ctx context.Context) (string, error) {
	name, err := c.groupName(ctx)
	if err != nil {
		return "", err
	}

	input := &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("group-name"),
				Values: []string{name},
			},
		},
	}

	out, err := retry.RunWithResponse(ctx, c.policy, func() (*ec2.DescribeSecurityGroupsOutput, error) {
		return c.ec2.DescribeSecurityGroups(ctx, input)
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe security group %q: %w", name, err)
	}

	if len(out.SecurityGroups) == 0 {
		return "", fmt.Errorf("no security group named %q", name)
	}
	if len(out.SecurityGroups) > 1 {
		return "", fmt.Errorf("security group name %q matches %d groups, cannot pick a target", name, len(out.SecurityGroups))
	}

	return aws.ToString(out.SecurityGroups[0].GroupId), nil
}

// permission builds the ingress rule described by the configuration.
func (c *Controller) permission() types.IpPermission {
	return types.IpPermission{
		IpProtocol: aws.String(c.settings.Protocol),
		FromPort:   aws.Int32(int32(c.settings.FromPort)),
		ToPort:     aws.Int32(int32(c.settings.ToPort)),
		IpRanges: []types.IpRange{
			{
				CidrIp:      aws.String(c.settings.CIDR),
				Description: aws.String(c.settings.Description),
			},
		},
	}
}

// Open authorizes the temporary ingress rule and returns the window handle
// Close later revokes. A rule already present, left behind by a run that
// died mid flight, is logged and adopted rather than treated as a failure.
func (c *Controller) Open(ctx context.Context) (*Window, error) {
	groupID, err := c.resolveGroup(ctx)
	if err != nil {
		return nil, err
	}

	perm := c.permission()
	window := &Window{GroupID: groupID, Permission: perm, OpenedAt: time.Now()}

	if c.dryRun {
		galog.Infof("Dry run, would authorize %s %d-%d from %s on %s.", c.settings.Protocol, c.settings.FromPort, c.settings.ToPort, c.settings.CIDR, groupID)
		return window, nil
	}

	input := &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []types.IpPermission{perm},
	}

	err = retry.Run(ctx, c.policy, func() error {
		_, err := c.ec2.AuthorizeSecurityGroupIngress(ctx, input)
		return err
	})
	if err != nil {
		if apiErrorCode(err) == errCodeDuplicate {
			galog.Warnf("Ingress rule already present on %s, adopting it.", groupID)
			return window, nil
		}
		return nil, fmt.Errorf("failed to authorize ingress on %q: %w", groupID, err)
	}

	galog.Infof("Authorized %s %d-%d from %s on %s.", c.settings.Protocol, c.settings.FromPort, c.settings.ToPort, c.settings.CIDR, groupID)
	return window, nil
}

// Close revokes the window's ingress rule. A rule already gone is logged
// and treated as closed, the end state is what matters.
func (c *Controller) Close(ctx context.Context, window *Window) error {
	if window == nil {
		return errors.New("cannot close a nil window")
	}

	if c.dryRun {
		galog.Infof("Dry run, would revoke ingress rule on %s.", window.GroupID)
		return nil
	}

	input := &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(window.GroupID),
		IpPermissions: []types.IpPermission{window.Permission},
	}

	err := retry.Run(ctx, c.policy, func() error {
		_, err := c.ec2.RevokeSecurityGroupIngress(ctx, input)
		return err
	})
	if err != nil {
		if apiErrorCode(err) == errCodeNotFound {
			galog.Warnf("Ingress rule on %s was already gone.", window.GroupID)
			return nil
		}
		return fmt.Errorf("failed to revoke ingress on %q: %w", window.GroupID, err)
	}

	galog.Infof("Revoked ingress rule on %s, window was open for %v.", window.GroupID, time.Since(window.OpenedAt).Round(time.Second))
	return nil
}
