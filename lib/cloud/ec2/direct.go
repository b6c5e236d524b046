// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"fmt"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
)

// createInstances launches count instances with RunInstances, in
// batches of at most BatchSize. A failed batch is recorded and the
// remaining batches are still tried.
func (prv *ec2Provider) createInstances(ctx context.Context, client ec2Interface, tmpl config.Template, count int, rcAccount string) LaunchResult {
	requestID := cloud.NewRequestID(cloud.KindDirect)
	logger := prv.logger.WithFields(logrus.Fields{
		"RequestID":  requestID,
		"TemplateID": tmpl.TemplateID,
	})
	_, err := prv.store.CreateRequest(cloud.Request{
		RequestID:          requestID,
		TemplateID:         tmpl.TemplateID,
		RCAccount:          rcAccount,
		HostAllocationType: cloud.AllocationDirect,
		Kind:               cloud.KindDirect,
	})
	if err != nil {
		logger.WithError(err).Error("failed to record request")
		return LaunchResult{RequestID: requestID, Error: fmt.Sprintf("Failed to record request %s: %s", requestID, err)}
	}

	size := prv.batchSize()
	nbatches := (count + size - 1) / size
	logger.Infof("creating %d instances in %d batch(es) of up to %d", count, nbatches, size)

	userData := prv.encodedUserData(tmpl, rcAccount)
	tags := prv.instanceTags(tmpl, rcAccount)
	type batchResult struct {
		instances []types.Instance
		failed    *FailedLaunch
	}
	results := make([]batchResult, nbatches)
	prv.forEach(ctx, nbatches, func(ctx context.Context, i int) error {
		n := size
		if rest := count - i*size; rest < n {
			n = rest
		}
		blogger := logger.WithField("Batch", i+1)
		input := prv.runInstancesInput(ctx, client, tmpl, n, userData, tags)
		subnet := ""
		if len(input.NetworkInterfaces) > 0 {
			subnet = aws.ToString(input.NetworkInterfaces[0].SubnetId)
		}
		out, err := client.RunInstances(ctx, input)
		err = wrapError(err, &prv.throttleDelay)
		prv.countStart(subnet, err == nil)
		if err != nil {
			code := errorCode(err)
			if code == "" {
				code = "InternalError"
			}
			msg := formatError(fmt.Sprintf("Failed to launch EC2 instances in batch %d", i+1), err)
			blogger.WithError(err).Error(msg)
			results[i].failed = &FailedLaunch{Batch: i, Count: n, ErrorCode: code, Message: msg}
			return nil
		}
		if len(out.Instances) < n {
			blogger.Warnf("created only %d of %d requested instances", len(out.Instances), n)
		} else {
			blogger.Infof("created %d instances", len(out.Instances))
		}
		results[i].instances = out.Instances
		return nil
	})

	var res LaunchResult
	res.RequestID = requestID
	var machines []cloud.Machine
	for _, br := range results {
		if br.failed != nil {
			res.FailedInstances = append(res.FailedInstances, *br.failed)
		}
		for _, inst := range br.instances {
			id := aws.ToString(inst.InstanceId)
			m := prv.newMachine(tmpl, requestID, rcAccount, id)
			if name := aws.ToString(inst.PrivateDnsName); name != "" {
				m.Name = name
			}
			m.PrivateIPAddress = aws.ToString(inst.PrivateIpAddress)
			m.PublicIPAddress = aws.ToString(inst.PublicIpAddress)
			m.PublicDNSName = aws.ToString(inst.PublicDnsName)
			machines = append(machines, m)
			res.InstanceIDs = append(res.InstanceIDs, id)
		}
	}
	res.Warning = prv.addMachines(requestID, machines)
	res.Success = len(res.InstanceIDs) > 0
	if !res.Success && len(res.FailedInstances) > 0 {
		res.Error = fmt.Sprintf("All %d instance creations failed across %d batches. %s", count, nbatches, res.FailedInstances[0].Message)
	}
	return res
}

func (prv *ec2Provider) countStart(subnet string, success bool) {
	for _, label := range []string{"0", "1"} {
		prv.mInstanceStarts.WithLabelValues(subnet, label).Add(0)
	}
	label := "0"
	if success {
		label = "1"
	}
	prv.mInstanceStarts.WithLabelValues(subnet, label).Add(1)
}

// runInstancesInput builds the RunInstances call for one batch of n
// instances. MinCount is 1 so a partially fulfilled batch still
// yields instances.
func (prv *ec2Provider) runInstancesInput(ctx context.Context, client ec2Interface, tmpl config.Template, n int, userData string, tags []types.Tag) *ec2.RunInstancesInput {
	input := &ec2.RunInstancesInput{
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(int32(n)),
	}
	if tmpl.LaunchTemplateID != "" {
		version := tmpl.LaunchTemplateVersion
		if version == "" {
			version = "$Default"
		}
		input.LaunchTemplate = &types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(tmpl.LaunchTemplateID),
			Version:          aws.String(version),
		}
	} else {
		input.ImageId = aws.String(tmpl.ImageID)
	}
	if vmType := pickVMType(tmpl); vmType != "" {
		input.InstanceType = types.InstanceType(vmType)
	}
	if subnet := prv.pickSubnet(ctx, client, tmpl.Subnets()); subnet != "" {
		iface := types.InstanceNetworkInterfaceSpecification{
			DeviceIndex: aws.Int32(0),
			SubnetId:    aws.String(subnet),
			Groups:      tmpl.SecurityGroupIDs,
		}
		if isEFA(tmpl) {
			iface.InterfaceType = aws.String("efa")
		}
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{iface}
	} else if len(tmpl.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = tmpl.SecurityGroupIDs
	}
	if key := prv.keyName(tmpl); key != "" {
		input.KeyName = aws.String(key)
	}
	if tmpl.EbsOptimized != nil && *tmpl.EbsOptimized {
		input.EbsOptimized = aws.Bool(true)
	}
	if userData != "" {
		input.UserData = aws.String(userData)
	}
	if len(tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
			{ResourceType: types.ResourceTypeVolume, Tags: tags},
		}
	}
	if tmpl.SpotPrice != "" {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
				MaxPrice:                     aws.String(string(tmpl.SpotPrice)),
			},
		}
	}
	if tmpl.PlacementGroupName != "" || validTenancy(tmpl.Tenancy) {
		input.Placement = &types.Placement{}
		if tmpl.PlacementGroupName != "" {
			input.Placement.GroupName = aws.String(tmpl.PlacementGroupName)
		}
		if validTenancy(tmpl.Tenancy) {
			input.Placement.Tenancy = types.Tenancy(tmpl.Tenancy)
		}
	}
	if arn, name := iamProfile(tmpl.InstanceProfile); arn != nil || name != nil {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: arn, Name: name}
	}
	return input
}
