// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/sdk/go/backoff"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
)

// DescribeInstances accepts at most this many IDs per call.
const describeChunkSize = 100

// instanceInfo is what reconciliation needs to know about an
// instance.
type instanceInfo struct {
	State       cloud.MachineStatus
	PrivateIP   string
	PublicIP    string
	PrivateDNS  string
	PublicDNS   string
	LaunchTime  time.Time
	Lifecycle   string
	StateReason string
}

func infoFromInstance(inst types.Instance) instanceInfo {
	info := instanceInfo{
		State:       cloud.StatusUnknown,
		PrivateIP:   aws.ToString(inst.PrivateIpAddress),
		PublicIP:    aws.ToString(inst.PublicIpAddress),
		PrivateDNS:  aws.ToString(inst.PrivateDnsName),
		PublicDNS:   aws.ToString(inst.PublicDnsName),
		LaunchTime:  aws.ToTime(inst.LaunchTime),
		Lifecycle:   cloud.LifecycleOnDemand,
		StateReason: aws.ToString(inst.StateTransitionReason),
	}
	if inst.State != nil && inst.State.Name != "" {
		info.State = cloud.MachineStatus(inst.State.Name)
	}
	if inst.InstanceLifecycle != "" {
		info.Lifecycle = string(inst.InstanceLifecycle)
	} else if inst.SpotInstanceRequestId != nil {
		info.Lifecycle = cloud.LifecycleSpot
	}
	return info
}

func isInstanceNotFound(err error) bool {
	return errorCode(err) == "InvalidInstanceID.NotFound"
}

// describeInstances returns the state of each of the given
// instances. Instances EC2 doesn't know about are reported as
// terminated. Instances whose state could not be determined are
// reported as unknown.
func (prv *ec2Provider) describeInstances(ctx context.Context, client ec2Interface, ids []string) map[string]instanceInfo {
	result := make(map[string]instanceInfo, len(ids))
	for _, chunk := range chunks(ids, describeChunkSize) {
		prv.describeChunk(ctx, client, chunk, result)
	}
	return result
}

func (prv *ec2Provider) describeChunk(ctx context.Context, client ec2Interface, chunk []string, result map[string]instanceInfo) {
	logger := prv.logger.WithField("Instances", len(chunk))
	var out *ec2.DescribeInstancesOutput
	err := backoff.Policy{
		Attempts:  prv.cfg.DescribeMaxRetries + 1,
		Delay:     prv.describeDelay,
		Retryable: func(err error) bool { return !isInstanceNotFound(err) },
		OnRetry: func(n int, err error) {
			logger.WithError(err).WithField("Attempt", n+1).Warn("DescribeInstances failed, retrying")
		},
	}.Do(ctx, func() error {
		var err error
		out, err = client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: chunk})
		return wrapError(err, &prv.throttleDelay)
	})
	if err == nil {
		for _, id := range chunk {
			result[id] = instanceInfo{State: cloud.StatusTerminated}
		}
		for _, rsv := range out.Reservations {
			for _, inst := range rsv.Instances {
				result[aws.ToString(inst.InstanceId)] = infoFromInstance(inst)
			}
		}
		return
	}
	code := errorCode(err)
	if code == "" {
		code = "InternalError"
	}
	prv.mDescribeErrors.WithLabelValues(code).Inc()
	if len(chunk) == 1 {
		if isInstanceNotFound(err) {
			result[chunk[0]] = instanceInfo{State: cloud.StatusTerminated}
		} else {
			logger.WithError(err).WithField("InstanceID", chunk[0]).Warn("could not describe instance")
			result[chunk[0]] = instanceInfo{State: cloud.StatusUnknown}
		}
		return
	}
	logger.WithError(err).Warn("bulk describe failed, describing instances one at a time")
	for _, id := range chunk {
		prv.describeOne(ctx, client, id, result)
	}
}

func (prv *ec2Provider) describeOne(ctx context.Context, client ec2Interface, id string, result map[string]instanceInfo) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	err = wrapError(err, &prv.throttleDelay)
	switch {
	case isInstanceNotFound(err):
		result[id] = instanceInfo{State: cloud.StatusTerminated}
	case err != nil:
		prv.logger.WithError(err).WithFields(logrus.Fields{"InstanceID": id}).Warn("could not describe instance")
		result[id] = instanceInfo{State: cloud.StatusUnknown}
	default:
		result[id] = instanceInfo{State: cloud.StatusTerminated}
		for _, rsv := range out.Reservations {
			for _, inst := range rsv.Instances {
				if aws.ToString(inst.InstanceId) == id {
					result[id] = infoFromInstance(inst)
				}
			}
		}
	}
}
