// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const userDataPlaceholder = "%EXPORT_USER_DATA%"

// LaunchResult is the outcome of one provisioning call.
type LaunchResult struct {
	Success         bool
	RequestID       string
	InstanceIDs     []string
	FailedInstances []FailedLaunch
	// Set when the request was accepted but a later step failed.
	Warning string
	// Set when the request failed before any batch was tried,
	// or when no batch succeeded.
	Error string
}

// FailedLaunch describes a batch (or fleet error) that produced no
// instances.
type FailedLaunch struct {
	Batch     int
	Count     int
	ErrorCode string
	Message   string
}

func (prv *ec2Provider) userDataPath() string {
	if prv.cfg.UserDataScript != "" {
		return prv.cfg.UserDataScript
	}
	exe, err := os.Executable()
	if err != nil {
		return "user_data.sh"
	}
	return filepath.Join(filepath.Dir(exe), "user_data.sh")
}

// userData returns the user data script for tmpl with the
// placeholder line replaced by export statements, or "" if there is
// no script.
func (prv *ec2Provider) userData(tmpl config.Template, rcAccount string) string {
	path := prv.userDataPath()
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		prv.logger.WithField("Path", path).Debug("no user data script")
		return ""
	} else if err != nil {
		prv.logger.WithError(err).WithField("Path", path).Warn("failed to read user data script")
		return ""
	}
	script := strings.TrimSpace(string(buf))
	if script == "" {
		return ""
	}
	var exports []string
	for _, kv := range strings.Split(tmpl.UserData, ";") {
		if kv = strings.TrimSpace(kv); kv != "" {
			exports = append(exports, "export "+kv)
		}
	}
	if tmpl.TemplateID != "" {
		exports = append(exports, "export template_id="+tmpl.TemplateID)
	}
	if prv.cfg.ProviderName != "" {
		exports = append(exports, "export providerName="+prv.cfg.ProviderName)
	} else {
		prv.logger.Warn("PROVIDER_NAME environment variable not set")
	}
	if prv.cfg.ClusterName != "" {
		exports = append(exports, "export clustername="+prv.cfg.ClusterName)
	}
	if rcAccount != "" {
		exports = append(exports, "export rc_account="+rcAccount)
	}
	replacement := ""
	if len(exports) > 0 {
		replacement = strings.Join(exports, ";") + ";"
	}
	return strings.ReplaceAll(script, userDataPlaceholder, replacement)
}

func (prv *ec2Provider) encodedUserData(tmpl config.Template, rcAccount string) string {
	ud := prv.userData(tmpl, rcAccount)
	if ud == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(ud))
}

// instanceTags parses the template's "k=v,k2=v2" tag list. Keys
// starting with "aws:" are reserved by AWS and skipped. An
// RC_ACCOUNT tag is added unless the template sets one.
func (prv *ec2Provider) instanceTags(tmpl config.Template, rcAccount string) []types.Tag {
	var tags []types.Tag
	haveAccount := false
	for _, pair := range strings.Split(tmpl.InstanceTags, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			prv.logger.WithField("Tag", pair).Warn("invalid tag format, expected Key=Value")
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if strings.HasPrefix(strings.ToLower(k), "aws:") {
			prv.logger.WithField("Tag", k).Warn("skipping reserved tag, tags cannot start with 'aws:'")
			continue
		}
		if k == "RC_ACCOUNT" {
			haveAccount = true
		}
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	if !haveAccount {
		tags = append(tags, types.Tag{Key: aws.String("RC_ACCOUNT"), Value: aws.String(rcAccount)})
	}
	return tags
}

// keyName returns the key pair to install: the template's, else the
// basename of AWS_KEY_FILE without its extension.
func (prv *ec2Provider) keyName(tmpl config.Template) string {
	if tmpl.KeyName != "" {
		return tmpl.KeyName
	}
	if prv.cfg.KeyFile != "" {
		base := filepath.Base(prv.cfg.KeyFile)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return ""
}

// iamProfile returns the instance profile as an ARN or a name,
// depending on its form, or nil.
func iamProfile(profile string) (arn, name *string) {
	if profile == "" {
		return nil, nil
	}
	if strings.HasPrefix(profile, "arn:aws:iam:") {
		return aws.String(profile), nil
	}
	return nil, aws.String(profile)
}

func validTenancy(tenancy string) bool {
	return tenancy == "default" || tenancy == "dedicated"
}

func isEFA(tmpl config.Template) bool {
	return strings.EqualFold(tmpl.InterfaceType, "efa")
}

// pickSubnet returns the candidate subnet with the most free
// addresses. If the subnets can't be described, it picks one at
// random.
func (prv *ec2Provider) pickSubnet(ctx context.Context, client ec2Interface, subnets []string) string {
	switch len(subnets) {
	case 0:
		return ""
	case 1:
		return subnets[0]
	}
	resp, err := client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: subnets})
	if err != nil {
		chosen := subnets[rand.IntN(len(subnets))]
		prv.logger.WithError(err).WithField("SubnetID", chosen).Warn("failed to check subnet capacity, using random subnet")
		return chosen
	}
	best, bestCount := "", int32(0)
	for _, sn := range resp.Subnets {
		if n := aws.ToInt32(sn.AvailableIpAddressCount); n > bestCount {
			best, bestCount = aws.ToString(sn.SubnetId), n
		}
	}
	if best == "" {
		return subnets[rand.IntN(len(subnets))]
	}
	prv.logger.WithField("SubnetID", best).WithField("AvailableIPs", bestCount).Debug("chose subnet")
	return best
}

func pickVMType(tmpl config.Template) string {
	vmTypes := tmpl.VMTypes()
	if len(vmTypes) == 0 {
		return ""
	}
	return vmTypes[rand.IntN(len(vmTypes))]
}

// newMachine returns the initial record for an instance that was
// just created on behalf of requestID.
func (prv *ec2Provider) newMachine(tmpl config.Template, requestID, rcAccount, instanceID string) cloud.Machine {
	return cloud.Machine{
		MachineID:     instanceID,
		Name:          fmt.Sprintf("host-%s", instanceID),
		Template:      tmpl.TemplateID,
		RCAccount:     rcAccount,
		Status:        cloud.StatusPending,
		Result:        cloud.ResultExecuting,
		Message:       "Instance creation initiated",
		LifeCycleType: "",
		NCores:        tmpl.NumericAttribute("ncores", 1),
		NThreads:      tmpl.NumericAttribute("ncpus", 1),
		ReqID:         requestID,
		LaunchTime:    prv.clock().Unix(),
	}
}

// addMachines records newly discovered instances. The provider
// already owns them, so a store failure is logged and returned as a
// warning rather than failing the request.
func (prv *ec2Provider) addMachines(requestID string, machines []cloud.Machine) string {
	if len(machines) == 0 {
		return ""
	}
	logger := prv.logger.WithField("RequestID", requestID)
	res, err := prv.store.AddMachines(requestID, machines)
	if err != nil {
		logger.WithError(err).Error("failed to record machines")
		return "failed to record machines: " + err.Error()
	}
	logger.Infof("recorded %d machines", res.Succeeded)
	if res.Failed > 0 {
		logger.WithField("Errors", res.Errors).Warnf("failed to record %d machines", res.Failed)
		return fmt.Sprintf("failed to record %d machines", res.Failed)
	}
	return ""
}
