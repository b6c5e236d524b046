// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Capacity placeholders accepted in older fleet config files. They
// are replaced with 0 and overwritten with the computed capacity.
var legacyCapacityPlaceholders = []string{
	"$LSF_TOTAL_TARGET_CAPACITY",
	"$LSF_ONDEMAND_TARGET_CAPACITY",
	"$LSF_SPOT_TARGET_CAPACITY",
}

func tempVersionPrefix(templateID string) string {
	return fmt.Sprintf("Temporary LSF version for %s ", templateID)
}

// loadFleetConfig reads the template's CreateFleet input file (JSON,
// or YAML with the same keys). A relative path is relative to the
// conf dir.
func (prv *ec2Provider) loadFleetConfig(tmpl config.Template) (*ec2.CreateFleetInput, error) {
	path := tmpl.EC2FleetConfig
	if path == "" {
		return nil, errors.New("EC2 Fleet configuration path not provided")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(prv.cfg.ConfDir, path)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading EC2 Fleet configuration")
	}
	var input ec2.CreateFleetInput
	err = yaml.Unmarshal(buf, &input)
	if err == nil {
		return &input, nil
	}
	prv.logger.WithError(err).WithField("Path", path).Warn("EC2 Fleet configuration is not valid, retrying with capacity placeholders replaced by 0; placeholders like $LSF_TOTAL_TARGET_CAPACITY are deprecated")
	for _, ph := range legacyCapacityPlaceholders {
		buf = bytes.ReplaceAll(buf, []byte(ph), []byte("0"))
	}
	input = ec2.CreateFleetInput{}
	if err := yaml.Unmarshal(buf, &input); err != nil {
		return nil, errors.Wrapf(err, "invalid EC2 Fleet configuration %s", path)
	}
	return &input, nil
}

// fleetCapacity splits the requested slot count between on-demand
// and spot capacity.
func fleetCapacity(tmpl config.Template, count int) (total, onDemand, spot int) {
	total = count
	if maxSlots := tmpl.MaxNumber * tmpl.NumericAttribute("ncpus", 1); maxSlots < total {
		total = maxSlots
	}
	if tmpl.OnDemandTargetCapacityRatio != nil {
		onDemand = int(float64(total) * *tmpl.OnDemandTargetCapacityRatio)
	}
	return total, onDemand, total - onDemand
}

// createEC2Fleet submits a CreateFleet request built from the
// template's fleet config file. Instant fleets return their
// instances synchronously; request fleets are polled by
// GetRequestStatus.
func (prv *ec2Provider) createEC2Fleet(ctx context.Context, client ec2Interface, tmpl config.Template, count int, rcAccount string) LaunchResult {
	logger := prv.logger.WithField("TemplateID", tmpl.TemplateID)
	input, err := prv.loadFleetConfig(tmpl)
	if err != nil {
		logger.WithError(err).Error("failed to load EC2 Fleet configuration")
		return LaunchResult{Error: fmt.Sprintf("Failed to load EC2 Fleet configuration: %s", err)}
	}
	if input.Type == "" {
		input.Type = types.FleetTypeInstant
	}
	fleetType := cloud.FleetType(input.Type)

	total, onDemand, spot := fleetCapacity(tmpl, count)
	if spec := input.TargetCapacitySpecification; spec != nil {
		spec.TotalTargetCapacity = aws.Int32(int32(total))
		spec.OnDemandTargetCapacity = aws.Int32(int32(onDemand))
		spec.SpotTargetCapacity = aws.Int32(int32(spot))
		logger.WithFields(logrus.Fields{
			"Total":    total,
			"OnDemand": onDemand,
			"Spot":     spot,
		}).Info("set fleet capacity")
	}
	if tags := prv.instanceTags(tmpl, rcAccount); len(tags) > 0 {
		input.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeFleet,
			Tags:         tags,
		}}
	}
	if len(input.LaunchTemplateConfigs) > 0 {
		if prv.createTempVersions(ctx, client, input, tmpl, rcAccount) == 0 {
			logger.Warn("failed to create temporary launch template versions, using configured versions")
		}
	}

	out, err := client.CreateFleet(ctx, input)
	err = wrapError(err, &prv.throttleDelay)
	if err != nil {
		msg := formatError("EC2 Fleet request failed", err)
		logger.WithError(err).Error(msg)
		return LaunchResult{Error: msg}
	}
	fleetID := aws.ToString(out.FleetId)
	logger = logger.WithField("RequestID", fleetID)
	logger.WithField("FleetType", fleetType).Info("EC2 fleet created")
	res := LaunchResult{Success: true, RequestID: fleetID}
	_, err = prv.store.CreateRequest(cloud.Request{
		RequestID:          fleetID,
		TemplateID:         tmpl.TemplateID,
		RCAccount:          rcAccount,
		HostAllocationType: cloud.AllocationEC2Fleet,
		FleetType:          fleetType,
		Kind:               cloud.KindEC2Fleet,
	})
	if err != nil {
		var ids []string
		for _, fi := range out.Instances {
			ids = append(ids, fi.InstanceIds...)
		}
		logger.WithError(err).WithField("InstanceIDs", ids).Error("failed to record EC2 fleet request, deleting it")
		prv.deleteFleet(ctx, client, fleetID, ids, logger)
		return LaunchResult{Error: fmt.Sprintf("Failed to record request %s: %s", fleetID, err)}
	}
	if fleetType != cloud.FleetInstant {
		return res
	}
	var machines []cloud.Machine
	for _, fi := range out.Instances {
		for _, id := range fi.InstanceIds {
			res.InstanceIDs = append(res.InstanceIDs, id)
			machines = append(machines, prv.newMachine(tmpl, fleetID, rcAccount, id))
		}
	}
	res.Warning = prv.addMachines(fleetID, machines)
	for _, fe := range out.Errors {
		code := aws.ToString(fe.ErrorCode)
		if code == "" {
			code = "Unknown"
		}
		msg := aws.ToString(fe.ErrorMessage)
		if msg == "" {
			msg = "Unknown error"
		}
		res.FailedInstances = append(res.FailedInstances, FailedLaunch{
			ErrorCode: code,
			Message:   fmt.Sprintf("%s: %s", code, msg),
		})
	}
	if len(res.FailedInstances) > 0 {
		logger.WithField("Errors", res.FailedInstances).Warn("EC2 fleet reported errors")
	}
	return res
}

// deleteFleet deletes an EC2 fleet nothing tracks along with its
// instances. If the fleet can't be deleted, the instances it
// launched are terminated directly.
func (prv *ec2Provider) deleteFleet(ctx context.Context, client ec2Interface, fleetID string, instanceIDs []string, logger logrus.FieldLogger) {
	out, err := client.DeleteFleets(ctx, &ec2.DeleteFleetsInput{
		FleetIds:           []string{fleetID},
		TerminateInstances: aws.Bool(true),
	})
	err = wrapError(err, &prv.throttleDelay)
	if err == nil && len(out.UnsuccessfulFleetDeletions) > 0 {
		if fe := out.UnsuccessfulFleetDeletions[0].Error; fe != nil {
			err = fmt.Errorf("%s: %s", fe.Code, aws.ToString(fe.Message))
		} else {
			err = errors.New("fleet deletion was not successful")
		}
	}
	if err == nil {
		logger.Warn("deleted untracked EC2 fleet")
		return
	}
	logger.WithError(err).Error("failed to delete untracked EC2 fleet")
	for _, chunk := range chunks(instanceIDs, prv.batchSize()) {
		if _, err := prv.terminateInstances(ctx, client, chunk); err != nil {
			logger.WithError(err).WithField("InstanceIDs", chunk).Error("failed to terminate untracked fleet instances, they must be terminated by hand")
		}
	}
}

// launchTemplateOverrides returns the template settings to apply on
// top of a launch template version.
func (prv *ec2Provider) launchTemplateOverrides(tmpl config.Template, rcAccount string) types.RequestLaunchTemplateData {
	var data types.RequestLaunchTemplateData
	if ud := prv.encodedUserData(tmpl, rcAccount); ud != "" {
		data.UserData = aws.String(ud)
	}
	if vmTypes := tmpl.VMTypes(); len(vmTypes) > 0 {
		data.InstanceType = types.InstanceType(vmTypes[0])
	}
	if key := prv.keyName(tmpl); key != "" {
		data.KeyName = aws.String(key)
	}
	if arn, name := iamProfile(tmpl.InstanceProfile); arn != nil || name != nil {
		data.IamInstanceProfile = &types.LaunchTemplateIamInstanceProfileSpecificationRequest{Arn: arn, Name: name}
	}
	if tags := prv.instanceTags(tmpl, rcAccount); len(tags) > 0 {
		data.TagSpecifications = []types.LaunchTemplateTagSpecificationRequest{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
			{ResourceType: types.ResourceTypeVolume, Tags: tags},
		}
	}
	return data
}

// requestData converts launch template data as returned by
// DescribeLaunchTemplateVersions to the form accepted by
// CreateLaunchTemplateVersion. The two types share field names.
func requestData(rd *types.ResponseLaunchTemplateData) (*types.RequestLaunchTemplateData, error) {
	var data types.RequestLaunchTemplateData
	if rd == nil {
		return &data, nil
	}
	buf, err := json.Marshal(rd)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(buf, &data)
	return &data, err
}

// createTempVersions creates a new version of each launch template
// referenced by the fleet config, with the template's overrides
// merged onto the referenced version, and points the fleet config at
// the new versions. It returns the number of versions created.
func (prv *ec2Provider) createTempVersions(ctx context.Context, client ec2Interface, input *ec2.CreateFleetInput, tmpl config.Template, rcAccount string) int {
	overrides := prv.launchTemplateOverrides(tmpl, rcAccount)
	subnet := prv.pickSubnet(ctx, client, tmpl.Subnets())
	created := 0
	for i := range input.LaunchTemplateConfigs {
		spec := input.LaunchTemplateConfigs[i].LaunchTemplateSpecification
		logger := prv.logger.WithFields(logrus.Fields{
			"TemplateID": tmpl.TemplateID,
			"Config":     i,
		})
		if spec == nil {
			continue
		}
		ltID, ltName := aws.ToString(spec.LaunchTemplateId), aws.ToString(spec.LaunchTemplateName)
		if ltID == "" && ltName == "" {
			logger.Warn("launch template config has neither ID nor name, skipping")
			continue
		}
		version := aws.ToString(spec.Version)
		if version == "" {
			version = "$Default"
		}
		dinput := &ec2.DescribeLaunchTemplateVersionsInput{Versions: []string{version}}
		if ltID != "" {
			dinput.LaunchTemplateId = aws.String(ltID)
		} else {
			dinput.LaunchTemplateName = aws.String(ltName)
		}
		dout, err := client.DescribeLaunchTemplateVersions(ctx, dinput)
		if err != nil {
			logger.WithError(err).Error("failed to describe launch template version")
			continue
		}
		if len(dout.LaunchTemplateVersions) == 0 {
			logger.WithField("Version", version).Warn("launch template version not found")
			continue
		}
		data, err := requestData(dout.LaunchTemplateVersions[0].LaunchTemplateData)
		if err != nil {
			logger.WithError(err).Error("failed to copy launch template data")
			continue
		}
		if err := mergo.Merge(data, overrides, mergo.WithOverride); err != nil {
			logger.WithError(err).Error("failed to merge template overrides")
			continue
		}
		if tmpl.EbsOptimized != nil {
			data.EbsOptimized = aws.Bool(*tmpl.EbsOptimized)
		}
		if subnet != "" {
			if len(data.NetworkInterfaces) > 0 {
				data.NetworkInterfaces[0].SubnetId = aws.String(subnet)
				data.NetworkInterfaces[0].Groups = tmpl.SecurityGroupIDs
			} else {
				data.NetworkInterfaces = []types.LaunchTemplateInstanceNetworkInterfaceSpecificationRequest{{
					DeviceIndex: aws.Int32(0),
					SubnetId:    aws.String(subnet),
					Groups:      tmpl.SecurityGroupIDs,
				}}
			}
		}
		cinput := &ec2.CreateLaunchTemplateVersionInput{
			LaunchTemplateData: data,
			VersionDescription: aws.String(tempVersionPrefix(tmpl.TemplateID) + "with all overrides - created " + prv.clock().UTC().Format(time.RFC3339)),
		}
		if ltID != "" {
			cinput.LaunchTemplateId = aws.String(ltID)
		} else {
			cinput.LaunchTemplateName = aws.String(ltName)
		}
		cout, err := client.CreateLaunchTemplateVersion(ctx, cinput)
		if err != nil {
			logger.WithError(err).Errorf("failed to create temporary launch template version: %s", errorCode(err))
			continue
		}
		if cout.LaunchTemplateVersion == nil {
			continue
		}
		spec.Version = aws.String(strconv.FormatInt(aws.ToInt64(cout.LaunchTemplateVersion.VersionNumber), 10))
		if ltID != "" {
			spec.LaunchTemplateName = nil
		}
		logger.WithField("Version", aws.ToString(spec.Version)).Info("created temporary launch template version")
		created++
	}
	return created
}

// cleanupTempVersions deletes the temporary launch template versions
// created for templateID. Version 1 is never deleted.
func (prv *ec2Provider) cleanupTempVersions(ctx context.Context, client ec2Interface, templateID string) int {
	logger := prv.logger.WithField("TemplateID", templateID)
	prefix := tempVersionPrefix(templateID)
	deleted := 0
	input := &ec2.DescribeLaunchTemplatesInput{}
	for {
		out, err := client.DescribeLaunchTemplates(ctx, input)
		if err != nil {
			logger.WithError(err).Error("failed to describe launch templates for cleanup")
			return deleted
		}
		for _, lt := range out.LaunchTemplates {
			deleted += prv.cleanupTemplateVersions(ctx, client, lt, prefix, logger)
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	if deleted > 0 {
		logger.Infof("deleted %d temporary launch template versions", deleted)
	}
	return deleted
}

func (prv *ec2Provider) cleanupTemplateVersions(ctx context.Context, client ec2Interface, lt types.LaunchTemplate, prefix string, logger logrus.FieldLogger) int {
	ltID := aws.ToString(lt.LaunchTemplateId)
	logger = logger.WithField("LaunchTemplate", aws.ToString(lt.LaunchTemplateName))
	var stale []string
	input := &ec2.DescribeLaunchTemplateVersionsInput{LaunchTemplateId: aws.String(ltID)}
	for {
		out, err := client.DescribeLaunchTemplateVersions(ctx, input)
		if err != nil {
			logger.WithError(err).Warn("failed to describe launch template versions")
			return 0
		}
		for _, v := range out.LaunchTemplateVersions {
			if aws.ToInt64(v.VersionNumber) > 1 && strings.HasPrefix(aws.ToString(v.VersionDescription), prefix) {
				stale = append(stale, strconv.FormatInt(aws.ToInt64(v.VersionNumber), 10))
			}
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	deleted := 0
	for _, version := range stale {
		out, err := client.DeleteLaunchTemplateVersions(ctx, &ec2.DeleteLaunchTemplateVersionsInput{
			LaunchTemplateId: aws.String(ltID),
			Versions:         []string{version},
		})
		if err != nil {
			if errorCode(err) != "InvalidLaunchTemplateVersion.NotFound" {
				logger.WithError(err).WithField("Version", version).Warn("failed to delete launch template version")
			}
			continue
		}
		if len(out.UnsuccessfullyDeletedLaunchTemplateVersions) > 0 {
			logger.WithField("Version", version).Warn("launch template version was not deleted")
			continue
		}
		deleted++
	}
	return deleted
}

// fleetInstances returns the IDs of an EC2 fleet's active instances.
func (prv *ec2Provider) fleetInstances(ctx context.Context, client ec2Interface, fleetID string) ([]string, error) {
	var ids []string
	input := &ec2.DescribeFleetInstancesInput{FleetId: aws.String(fleetID)}
	for {
		out, err := client.DescribeFleetInstances(ctx, input)
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
