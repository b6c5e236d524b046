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
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// createSpotFleet submits a "request" type spot fleet for count
// instances. Instances are discovered later by GetRequestStatus.
func (prv *ec2Provider) createSpotFleet(ctx context.Context, client ec2Interface, tmpl config.Template, count int, rcAccount string) LaunchResult {
	logger := prv.logger.WithField("TemplateID", tmpl.TemplateID)
	if tmpl.FleetRole == "" {
		return LaunchResult{Error: "Spot Fleet request failed. Error Code: ConfigError: fleetRole is required for Spot Fleet templates"}
	}
	strategy := tmpl.AllocationStrategy
	if strategy == "" {
		strategy = "capacityOptimized"
	}
	cfg := &types.SpotFleetRequestConfigData{
		Type:                 types.FleetTypeRequest,
		TargetCapacity:       aws.Int32(int32(count)),
		IamFleetRole:         aws.String(tmpl.FleetRole),
		AllocationStrategy:   types.AllocationStrategy(strategy),
		LaunchSpecifications: prv.spotFleetLaunchSpecs(tmpl, rcAccount),
	}
	if tmpl.SpotPrice != "" {
		cfg.SpotPrice = aws.String(string(tmpl.SpotPrice))
	}
	out, err := client.RequestSpotFleet(ctx, &ec2.RequestSpotFleetInput{SpotFleetRequestConfig: cfg})
	err = wrapError(err, &prv.throttleDelay)
	if err != nil {
		msg := formatError("Spot Fleet request failed", err)
		logger.WithError(err).Error(msg)
		return LaunchResult{Error: msg}
	}
	fleetID := aws.ToString(out.SpotFleetRequestId)
	logger = logger.WithField("RequestID", fleetID)
	logger.Info("spot fleet created")
	_, err = prv.store.CreateRequest(cloud.Request{
		RequestID:          fleetID,
		TemplateID:         tmpl.TemplateID,
		RCAccount:          rcAccount,
		HostAllocationType: cloud.AllocationSpotFleet,
		Kind:               cloud.KindSpotFleet,
	})
	if err != nil {
		logger.WithError(err).Error("failed to record spot fleet request, cancelling it")
		prv.cancelSpotFleet(ctx, client, fleetID, logger)
		return LaunchResult{Error: fmt.Sprintf("Failed to record request %s: %s", fleetID, err)}
	}
	return LaunchResult{Success: true, RequestID: fleetID}
}

// cancelSpotFleet cancels a spot fleet nothing tracks, terminating
// any instances it has launched.
func (prv *ec2Provider) cancelSpotFleet(ctx context.Context, client ec2Interface, fleetID string, logger logrus.FieldLogger) {
	out, err := client.CancelSpotFleetRequests(ctx, &ec2.CancelSpotFleetRequestsInput{
		SpotFleetRequestIds: []string{fleetID},
		TerminateInstances:  aws.Bool(true),
	})
	err = wrapError(err, &prv.throttleDelay)
	if err == nil && len(out.UnsuccessfulFleetRequests) > 0 {
		fe := out.UnsuccessfulFleetRequests[0].Error
		if fe != nil {
			err = fmt.Errorf("%s: %s", fe.Code, aws.ToString(fe.Message))
		} else {
			err = errors.New("cancel request was not successful")
		}
	}
	if err != nil {
		logger.WithError(err).Error("failed to cancel untracked spot fleet, its instances must be terminated by hand")
		return
	}
	logger.Warn("cancelled untracked spot fleet")
}

// spotFleetLaunchSpecs returns one launch specification for each
// combination of instance type and subnet.
func (prv *ec2Provider) spotFleetLaunchSpecs(tmpl config.Template, rcAccount string) []types.SpotFleetLaunchSpecification {
	userData := prv.encodedUserData(tmpl, rcAccount)
	tags := prv.instanceTags(tmpl, rcAccount)
	var placement *types.SpotPlacement
	if tmpl.PlacementGroupName != "" || validTenancy(tmpl.Tenancy) {
		placement = &types.SpotPlacement{}
		if tmpl.PlacementGroupName != "" {
			placement.GroupName = aws.String(tmpl.PlacementGroupName)
		}
		if validTenancy(tmpl.Tenancy) {
			placement.Tenancy = types.Tenancy(tmpl.Tenancy)
		}
	}
	subnets := tmpl.Subnets()
	if len(subnets) == 0 {
		subnets = []string{""}
	}
	var specs []types.SpotFleetLaunchSpecification
	for _, vmType := range tmpl.VMTypes() {
		for _, subnet := range subnets {
			spec := types.SpotFleetLaunchSpecification{
				ImageId:      aws.String(tmpl.ImageID),
				InstanceType: types.InstanceType(vmType),
				EbsOptimized: tmpl.EbsOptimized,
				Placement:    placement,
			}
			if userData != "" {
				spec.UserData = aws.String(userData)
			}
			if key := prv.keyName(tmpl); key != "" {
				spec.KeyName = aws.String(key)
			}
			if subnet != "" {
				iface := types.InstanceNetworkInterfaceSpecification{
					DeviceIndex: aws.Int32(0),
					SubnetId:    aws.String(subnet),
					Groups:      tmpl.SecurityGroupIDs,
				}
				if isEFA(tmpl) {
					iface.InterfaceType = aws.String("efa")
				}
				spec.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{iface}
			}
			if len(tags) > 0 {
				spec.TagSpecifications = []types.SpotFleetTagSpecification{{
					ResourceType: types.ResourceTypeInstance,
					Tags:         tags,
				}}
			}
			if arn, name := iamProfile(tmpl.InstanceProfile); arn != nil || name != nil {
				spec.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: arn, Name: name}
			}
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		prv.logger.WithField("TemplateID", tmpl.TemplateID).Error("no VM type specified for spot fleet")
	}
	return specs
}

// spotFleetInstances returns the IDs of the fleet's active
// instances.
func (prv *ec2Provider) spotFleetInstances(ctx context.Context, client ec2Interface, fleetID string) ([]string, error) {
	var ids []string
	input := &ec2.DescribeSpotFleetInstancesInput{SpotFleetRequestId: aws.String(fleetID)}
	for {
		out, err := client.DescribeSpotFleetInstances(ctx, input)
		if err != nil {
			return ids, wrapError(err, &prv.throttleDelay)
		}
		for _, ai := range out.ActiveInstances {
			ids = append(ids, aws.ToString(ai.InstanceId))
		}
		if aws.ToString(out.NextToken) == "" {
			return ids, nil
		}
		input.NextToken = out.NextToken
	}
}
