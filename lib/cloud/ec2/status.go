// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"fmt"
	"strings"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/sirupsen/logrus"
)

const (
	defaultCleanupInterval = 30 * time.Minute
	defaultMaxRequestAge   = 60 * time.Minute
)

// GetRequestStatus implements cloud.HostProvider.
func (prv *ec2Provider) GetRequestStatus(ctx context.Context, requestID string) cloud.RequestStatus {
	kind, ok := cloud.KindFromID(requestID)
	if !ok {
		return requestStatus(requestID, cloud.StatusCompleteWithErr, "Invalid request format", nil)
	}
	client, err := prv.ec2Client(ctx)
	if err != nil {
		prv.logger.WithError(err).WithField("RequestID", requestID).Error("cannot query request status")
		return requestStatus(requestID, cloud.StatusRequestRunning, "Unable to query AWS: "+err.Error(), nil)
	}
	var st cloud.RequestStatus
	if kind == cloud.KindReturn {
		st = prv.deletionStatus(ctx, client, requestID)
	} else {
		st = prv.creationStatus(ctx, client, requestID)
	}
	prv.periodicCleanup(ctx, client)
	return st
}

func requestStatus(requestID string, status cloud.Status, message string, machines []cloud.Machine) cloud.RequestStatus {
	if machines == nil {
		machines = []cloud.Machine{}
	}
	return cloud.RequestStatus{
		RequestID: requestID,
		Status:    status,
		Message:   message,
		Machines:  machines,
	}
}

// finalStatus aggregates per-machine outcomes into a request
// status.
func finalStatus(requestID string, machines []cloud.Machine, allComplete, anyFailed bool) cloud.RequestStatus {
	switch {
	case allComplete && anyFailed:
		return requestStatus(requestID, cloud.StatusCompleteWithErr, "Request completed with errors", machines)
	case allComplete:
		return requestStatus(requestID, cloud.StatusComplete, "Request completed successfully", machines)
	default:
		return requestStatus(requestID, cloud.StatusRequestRunning, "Request still in progress", machines)
	}
}

func (prv *ec2Provider) creationStatus(ctx context.Context, client ec2Interface, requestID string) cloud.RequestStatus {
	logger := prv.logger.WithField("RequestID", requestID)
	req, ok := prv.store.GetRequest(requestID)
	if !ok {
		return requestStatus(requestID, cloud.StatusCompleteWithErr, "Request not found: "+requestID, nil)
	}
	if req.Kind == cloud.KindSpotFleet || (req.Kind == cloud.KindEC2Fleet && req.FleetType == cloud.FleetRequest) {
		req = prv.discoverFleetInstances(ctx, client, req)
	}
	now := prv.clock()
	if len(req.Machines) == 0 {
		if req.Kind.IsFleet() {
			if st := prv.fleetStatus(ctx, client, req); st != nil {
				logger.WithField("Status", st.Status).Info(st.Message)
				return *st
			}
		}
		what := "Request"
		if req.Kind.IsFleet() {
			what = "Fleet request"
		}
		mins := now.Sub(time.UnixMilli(req.CreatedAt)).Minutes()
		if mins > fleetLaunchTimeout.Minutes() {
			return requestStatus(requestID, cloud.StatusCompleteWithErr, fmt.Sprintf("%s timed out after %.1f minutes with no instances launched", what, mins), nil)
		}
		return requestStatus(requestID, cloud.StatusRequestRunning, fmt.Sprintf("%s processing (%.1f minutes) - no instances launched yet", what, mins), nil)
	}

	ids := make([]string, 0, len(req.Machines))
	for _, m := range req.Machines {
		ids = append(ids, m.MachineID)
	}
	info := prv.describeInstances(ctx, client, ids)

	var updates []cloud.MachineUpdate
	var timedOut []string
	machines := make([]cloud.Machine, 0, len(req.Machines))
	allComplete, anyFailed := true, false
	for _, m := range req.Machines {
		if m.Status == cloud.StatusFailed {
			anyFailed = true
			machines = append(machines, m)
			continue
		}
		in := info[m.MachineID]
		launched := now
		if m.LaunchTime > 0 {
			launched = time.Unix(m.LaunchTime, 0)
		}
		mins := now.Sub(launched).Minutes()
		u := cloud.MachineUpdate{RequestID: requestID, MachineID: m.MachineID}
		switch in.State {
		case cloud.StatusUnknown:
			if now.Sub(launched) > unknownStateTimeout {
				u.Status, u.Result = cloud.Ptr(cloud.StatusFailed), cloud.Ptr(cloud.ResultFail)
				u.Message = cloud.Ptr(fmt.Sprintf("Instance in unknown state for %.1f minutes - assuming failed", mins))
				timedOut = append(timedOut, m.MachineID)
				anyFailed = true
			} else {
				u.Status, u.Result = cloud.Ptr(cloud.StatusUnknown), cloud.Ptr(cloud.ResultExecuting)
				u.Message = cloud.Ptr("Instance state unknown - retrying")
				allComplete = false
			}
		case cloud.StatusPending:
			if now.Sub(launched) > pendingStateTimeout {
				u.Status, u.Result = cloud.Ptr(cloud.StatusFailed), cloud.Ptr(cloud.ResultFail)
				u.Message = cloud.Ptr(fmt.Sprintf("Instance stuck in pending state for %.1f minutes - timeout exceeded", mins))
				timedOut = append(timedOut, m.MachineID)
				anyFailed = true
			} else {
				u.Status, u.Result = cloud.Ptr(cloud.StatusPending), cloud.Ptr(cloud.ResultExecuting)
				u.Message = cloud.Ptr(fmt.Sprintf("Instance is pending (%.1f minutes)", mins))
				allComplete = false
			}
		case cloud.StatusRunning:
			u.Status, u.Result = cloud.Ptr(cloud.StatusRunning), cloud.Ptr(cloud.ResultSucceed)
			u.Message = cloud.Ptr("Instance running successfully")
			u.PrivateIPAddress = cloud.Ptr(in.PrivateIP)
			u.PublicIPAddress = cloud.Ptr(in.PublicIP)
			u.PublicDNSName = cloud.Ptr(in.PublicDNS)
			u.LifeCycleType = cloud.Ptr(in.Lifecycle)
			if in.PrivateDNS != "" {
				u.Name = cloud.Ptr(in.PrivateDNS)
			}
			if bool(prv.cfg.TagInstanceID) && !m.TagInstanceID {
				if err := prv.tagInstanceID(ctx, client, m.MachineID); err != nil {
					logger.WithError(err).WithField("InstanceID", m.MachineID).Errorf("tagging failed: %s", errorCode(err))
				} else {
					u.TagInstanceID = cloud.Ptr(true)
				}
			}
		default:
			u.Status, u.Result = cloud.Ptr(in.State), cloud.Ptr(cloud.ResultFail)
			u.Message = cloud.Ptr(fmt.Sprintf("Instance creation failed: %s", in.State))
			anyFailed = true
		}
		u.Apply(&m)
		machines = append(machines, m)
		updates = append(updates, u)
	}

	if len(timedOut) > 0 {
		logger.WithField("Instances", timedOut).Warn("terminating instances that timed out")
		for _, chunk := range chunks(timedOut, prv.batchSize()) {
			if _, err := prv.terminateInstances(ctx, client, chunk); err != nil {
				logger.WithError(err).Error("failed to terminate timed-out instances")
			}
		}
	}
	prv.applyUpdates(logger, updates)
	return finalStatus(requestID, machines, allComplete, anyFailed)
}

func (prv *ec2Provider) deletionStatus(ctx context.Context, client ec2Interface, retID string) cloud.RequestStatus {
	logger := prv.logger.WithField("RequestID", retID)
	tracked := prv.store.GetMachinesByReturnID(retID)
	if len(tracked) == 0 {
		return requestStatus(retID, cloud.StatusComplete, "No machines found for request "+retID, nil)
	}
	ids := make([]string, 0, len(tracked))
	for _, m := range tracked {
		ids = append(ids, m.MachineID)
	}
	info := prv.describeInstances(ctx, client, ids)

	var updates []cloud.MachineUpdate
	var removals []cloud.MachineRef
	machines := make([]cloud.Machine, 0, len(tracked))
	allComplete, anyFailed := true, false
	for _, m := range tracked {
		reqID := m.ReqID
		if reqID == "" {
			if req, _, ok := prv.store.GetOwningRequest(m.MachineID); ok {
				reqID = req.RequestID
			}
		}
		state := info[m.MachineID].State
		u := cloud.MachineUpdate{RequestID: reqID, MachineID: m.MachineID, RetID: cloud.Ptr(retID)}
		switch state {
		case cloud.StatusShuttingDown:
			u.Status, u.Result = cloud.Ptr(cloud.StatusShuttingDown), cloud.Ptr(cloud.ResultExecuting)
			u.Message = cloud.Ptr("Instance is being terminated")
			allComplete = false
		case cloud.StatusTerminated:
			u.Status, u.Result = cloud.Ptr(cloud.StatusTerminated), cloud.Ptr(cloud.ResultSucceed)
			u.Message = cloud.Ptr("Instance terminated successfully")
			removals = append(removals, cloud.MachineRef{RequestID: reqID, MachineID: m.MachineID})
		case cloud.StatusRunning:
			u.Status, u.Result = cloud.Ptr(cloud.StatusRunning), cloud.Ptr(cloud.ResultFail)
			u.Message = cloud.Ptr("Instance still running - termination may have failed")
			anyFailed = true
		case cloud.StatusUnknown:
			u.Result = cloud.Ptr(cloud.ResultExecuting)
			u.Message = cloud.Ptr("Instance state unknown - retrying")
			allComplete = false
		default:
			u.Status, u.Result = cloud.Ptr(state), cloud.Ptr(cloud.ResultFail)
			u.Message = cloud.Ptr(fmt.Sprintf("Instance termination failed: %s", state))
			anyFailed = true
		}
		u.Apply(&m)
		machines = append(machines, m)
		updates = append(updates, u)
	}
	prv.applyUpdates(logger, updates)
	if len(removals) > 0 {
		res, err := prv.store.RemoveMachines(removals)
		if err != nil {
			logger.WithError(err).Error("failed to remove terminated machines")
		} else {
			logger.Infof("removed %d terminated machines", res.Removed)
			for _, req := range res.RemovedRequests {
				if req.Kind == cloud.KindEC2Fleet {
					prv.cleanupTempVersions(ctx, client, req.TemplateID)
				}
			}
		}
	}
	return finalStatus(retID, machines, allComplete, anyFailed)
}

func (prv *ec2Provider) applyUpdates(logger logrus.FieldLogger, updates []cloud.MachineUpdate) {
	if len(updates) == 0 {
		return
	}
	res, err := prv.store.UpdateMachines(updates)
	if err != nil {
		logger.WithError(err).Error("failed to update machines")
	} else if res.Failed > 0 {
		logger.WithField("Errors", res.Errors).Warnf("failed to update %d machines", res.Failed)
	}
}

// discoverFleetInstances adds the fleet's active instances that
// aren't tracked yet to req, and returns the updated request.
func (prv *ec2Provider) discoverFleetInstances(ctx context.Context, client ec2Interface, req cloud.Request) cloud.Request {
	logger := prv.logger.WithField("RequestID", req.RequestID)
	var ids []string
	var err error
	if req.Kind == cloud.KindSpotFleet {
		ids, err = prv.spotFleetInstances(ctx, client, req.RequestID)
	} else {
		ids, err = prv.fleetInstances(ctx, client, req.RequestID)
	}
	if isNotFound(err) {
		logger.Warn("fleet not found while polling instances")
		return req
	} else if err != nil {
		logger.WithError(err).Error("error describing fleet instances")
		return req
	}
	known := map[string]bool{}
	for _, m := range req.Machines {
		known[m.MachineID] = true
	}
	var fresh []string
	for _, id := range ids {
		if !known[id] {
			fresh = append(fresh, id)
			known[id] = true
		}
	}
	if len(fresh) == 0 {
		return req
	}
	logger.Infof("found %d new fleet instances", len(fresh))
	tmpl, err := prv.templates.GetTemplate(req.TemplateID)
	if err != nil {
		logger.WithError(err).Warn("template not found, using defaults for new machines")
		tmpl = config.Template{TemplateID: req.TemplateID}
	}
	var machines []cloud.Machine
	for _, id := range fresh {
		machines = append(machines, prv.newMachine(tmpl, req.RequestID, req.RCAccount, id))
	}
	prv.addMachines(req.RequestID, machines)
	if updated, ok := prv.store.GetRequest(req.RequestID); ok {
		return updated
	}
	req.Machines = append(req.Machines, machines...)
	return req
}

// fleetStatus returns a definitive status for a fleet request whose
// fleet has reached a terminal state, or nil if the fleet is still
// working.
func (prv *ec2Provider) fleetStatus(ctx context.Context, client ec2Interface, req cloud.Request) *cloud.RequestStatus {
	done := func(status cloud.Status, msg string) *cloud.RequestStatus {
		st := requestStatus(req.RequestID, status, msg, nil)
		return &st
	}
	logger := prv.logger.WithField("RequestID", req.RequestID)
	if req.Kind == cloud.KindSpotFleet {
		out, err := client.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{SpotFleetRequestIds: []string{req.RequestID}})
		if isNotFound(err) {
			return done(cloud.StatusCompleteWithErr, "Fleet not found")
		} else if err != nil {
			logger.WithError(err).Warn("error describing spot fleet request")
			return nil
		}
		if len(out.SpotFleetRequestConfigs) == 0 {
			return done(cloud.StatusCompleteWithErr, "Spot Fleet not found")
		}
		cfg := out.SpotFleetRequestConfigs[0]
		state := string(cfg.SpotFleetRequestState)
		switch cfg.SpotFleetRequestState {
		case types.BatchStateCancelled, types.BatchStateCancelledRunning, types.BatchStateCancelledTerminatingInstances:
			return done(cloud.StatusComplete, "Spot Fleet "+state)
		case types.BatchStateFailed:
			return done(cloud.StatusCompleteWithErr, "Spot Fleet failed")
		case types.BatchStateActive:
			if activity := string(cfg.ActivityStatus); activity == "fulfilled" || activity == "fulfilled_partial" {
				return done(cloud.StatusComplete, "Spot Fleet "+activity)
			}
		}
		return nil
	}
	out, err := client.DescribeFleets(ctx, &ec2.DescribeFleetsInput{FleetIds: []string{req.RequestID}})
	if isNotFound(err) {
		return done(cloud.StatusCompleteWithErr, "Fleet not found")
	} else if err != nil {
		logger.WithError(err).Warn("error describing EC2 fleet")
		return nil
	}
	if len(out.Fleets) == 0 {
		return done(cloud.StatusCompleteWithErr, "EC2 Fleet not found")
	}
	fleet := out.Fleets[0]
	state := string(fleet.FleetState)
	switch fleet.FleetState {
	case types.FleetStateCodeDeleted, types.FleetStateCodeDeletedRunning, types.FleetStateCodeDeletedTerminatingInstances:
		return done(cloud.StatusComplete, "EC2 Fleet "+state)
	case types.FleetStateCodeFailed:
		return done(cloud.StatusCompleteWithErr, "EC2 Fleet failed")
	}
	if len(fleet.Errors) > 0 {
		var msgs []string
		for _, fe := range fleet.Errors {
			msgs = append(msgs, aws.ToString(fe.ErrorMessage))
		}
		return done(cloud.StatusCompleteWithErr, "EC2 Fleet has errors: "+strings.Join(msgs, ", "))
	}
	return nil
}

// tagInstanceID tags the instance and its attached volumes with
// InstanceID=<id>.
func (prv *ec2Provider) tagInstanceID(ctx context.Context, client ec2Interface, id string) error {
	tags := []types.Tag{{Key: aws.String("InstanceID"), Value: aws.String(id)}}
	_, err := client.CreateTags(ctx, &ec2.CreateTagsInput{Resources: []string{id}, Tags: tags})
	if err != nil {
		return err
	}
	out, err := client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []types.Filter{{Name: aws.String("attachment.instance-id"), Values: []string{id}}},
	})
	if err != nil {
		return err
	}
	var volumes []string
	for _, vol := range out.Volumes {
		volumes = append(volumes, aws.ToString(vol.VolumeId))
	}
	if len(volumes) == 0 {
		return nil
	}
	_, err = client.CreateTags(ctx, &ec2.CreateTagsInput{Resources: volumes, Tags: tags})
	return err
}

// periodicCleanup drops old records from the store, at most once
// per CleanupInterval across all processes, and deletes the
// temporary launch template versions of EC2 fleet requests it
// dropped.
func (prv *ec2Provider) periodicCleanup(ctx context.Context, client ec2Interface) {
	interval := prv.cfg.CleanupInterval.Duration()
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if due, err := prv.store.CleanupDue(interval); err != nil {
		prv.logger.WithError(err).Error("cannot check whether periodic cleanup is due")
		return
	} else if !due {
		return
	}
	maxAge := prv.cfg.MaxRequestAge.Duration()
	if maxAge <= 0 {
		maxAge = defaultMaxRequestAge
	}
	stats, err := prv.store.CleanupOld(maxAge)
	if err != nil {
		prv.logger.WithError(err).Error("periodic cleanup failed")
		return
	}
	prv.logger.WithFields(logrus.Fields{
		"MachinesRemoved": stats.MachinesRemoved,
		"RequestsRemoved": stats.RequestsRemoved,
	}).Info("periodic cleanup")
	for _, req := range stats.FleetRequests {
		prv.cleanupTempVersions(ctx, client, req.TemplateID)
	}
}
