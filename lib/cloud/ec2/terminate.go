// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"fmt"

	"git.arvados.org/awsprov.git/lib/cloud"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const msgAlreadyGone = "Instance not found - may already be terminated"

// TerminateResult summarizes a termination request.
type TerminateResult struct {
	RequestID string
	// Instances EC2 accepted for termination.
	Terminated []string
	// Instances EC2 no longer knows about.
	AlreadyGone []string
	Failed      []FailedTermination
}

// FailedTermination is an instance EC2 refused to terminate.
type FailedTermination struct {
	InstanceID string
	ErrorCode  string
	Message    string
}

type owner struct {
	requestID string
	machine   cloud.Machine
}

// machineOwners maps each tracked machine ID to its request.
func (prv *ec2Provider) machineOwners() map[string]owner {
	owners := map[string]owner{}
	for _, req := range prv.store.GetAllRequests() {
		for _, m := range req.Machines {
			owners[m.MachineID] = owner{requestID: req.RequestID, machine: m}
		}
	}
	return owners
}

// RequestReturnMachines implements cloud.HostProvider.
func (prv *ec2Provider) RequestReturnMachines(ctx context.Context, machineIDs []string) (cloud.RequestResult, error) {
	if len(machineIDs) == 0 {
		return cloud.RequestResult{}, errors.New("no machines to return")
	}
	client, err := prv.ec2Client(ctx)
	if err != nil {
		return cloud.RequestResult{}, err
	}
	res := prv.terminate(ctx, client, machineIDs, cloud.NewRequestID(cloud.KindReturn), "Instance termination initiated")
	msg := "Delete VM success."
	if len(res.Failed) > 0 {
		msg = fmt.Sprintf("Delete VM partially failed: %d of %d instances could not be terminated. %s", len(res.Failed), len(machineIDs), res.Failed[0].Message)
	}
	return cloud.RequestResult{RequestID: res.RequestID, Message: msg}, nil
}

// terminate terminates ids in chunks of BatchSize on the worker pool
// and records the termination (with retID and message) on the
// tracked machines in a single store update.
func (prv *ec2Provider) terminate(ctx context.Context, client ec2Interface, ids []string, retID, message string) TerminateResult {
	logger := prv.logger.WithFields(logrus.Fields{
		"RequestID": retID,
		"Instances": len(ids),
	})
	logger.Info("terminating instances")
	chunked := chunks(ids, prv.batchSize())
	results := make([]TerminateResult, len(chunked))
	prv.forEach(ctx, len(chunked), func(ctx context.Context, i int) error {
		results[i] = prv.terminateChunk(ctx, client, chunked[i], logger.WithField("Chunk", i+1))
		return nil
	})

	res := TerminateResult{RequestID: retID}
	for _, cr := range results {
		res.Terminated = append(res.Terminated, cr.Terminated...)
		res.AlreadyGone = append(res.AlreadyGone, cr.AlreadyGone...)
		res.Failed = append(res.Failed, cr.Failed...)
	}
	prv.mTerminations.WithLabelValues("1").Add(float64(len(res.Terminated)))
	prv.mTerminations.WithLabelValues("0").Add(float64(len(res.Failed)))

	owners := prv.machineOwners()
	var updates []cloud.MachineUpdate
	record := func(id, msg string) {
		own, ok := owners[id]
		if !ok {
			return
		}
		updates = append(updates, cloud.MachineUpdate{
			RequestID: own.requestID,
			MachineID: id,
			Status:    cloud.Ptr(cloud.StatusShuttingDown),
			Result:    cloud.Ptr(cloud.ResultExecuting),
			Message:   cloud.Ptr(msg),
			RetID:     cloud.Ptr(retID),
		})
	}
	for _, id := range res.Terminated {
		record(id, message)
	}
	for _, id := range res.AlreadyGone {
		record(id, msgAlreadyGone)
	}
	if len(updates) > 0 {
		br, err := prv.store.UpdateMachines(updates)
		if err != nil {
			logger.WithError(err).Error("failed to record termination")
		} else if br.Failed > 0 {
			logger.WithField("Errors", br.Errors).Warnf("failed to record termination of %d machines", br.Failed)
		}
	}
	logger.WithFields(logrus.Fields{
		"Terminated":  len(res.Terminated),
		"AlreadyGone": len(res.AlreadyGone),
		"Failed":      len(res.Failed),
	}).Info("termination submitted")
	return res
}

func (prv *ec2Provider) terminateChunk(ctx context.Context, client ec2Interface, chunk []string, logger logrus.FieldLogger) TerminateResult {
	var res TerminateResult
	ids, err := prv.terminateInstances(ctx, client, chunk)
	if err == nil {
		res.Terminated = ids
		return res
	}
	if isInstanceNotFound(err) {
		// Find out which instances still exist and retry
		// with those.
		info := prv.describeInstances(ctx, client, chunk)
		var existing []string
		for _, id := range chunk {
			if info[id].State != cloud.StatusTerminated {
				existing = append(existing, id)
			} else {
				logger.WithField("InstanceID", id).Warn(msgAlreadyGone)
				res.AlreadyGone = append(res.AlreadyGone, id)
			}
		}
		if len(existing) == 0 {
			logger.Info("all instances already terminated")
			return res
		}
		ids, err = prv.terminateInstances(ctx, client, existing)
		if err == nil {
			res.Terminated = ids
			return res
		}
		chunk = existing
	}
	code := errorCode(err)
	if code == "" {
		code = "InternalError"
	}
	msg := fmt.Sprintf("%s: %s", code, errorMessage(err))
	logger.WithError(err).Error("failed to terminate instances")
	for _, id := range chunk {
		res.Failed = append(res.Failed, FailedTermination{InstanceID: id, ErrorCode: code, Message: msg})
	}
	return res
}

func (prv *ec2Provider) terminateInstances(ctx context.Context, client ec2Interface, ids []string) ([]string, error) {
	out, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err = wrapError(err, &prv.throttleDelay); err != nil {
		return nil, err
	}
	var terminating []string
	for _, sc := range out.TerminatingInstances {
		terminating = append(terminating, aws.ToString(sc.InstanceId))
	}
	return terminating, nil
}

// GetReturnRequests implements cloud.HostProvider.
func (prv *ec2Provider) GetReturnRequests(ctx context.Context, machines []cloud.MachineSummary) cloud.ReturnRequests {
	if len(machines) == 0 {
		return cloud.ReturnRequests{
			Status:   cloud.StatusComplete,
			Message:  "No instances found to return",
			Requests: []cloud.ReturnedMachine{},
		}
	}
	client, err := prv.ec2Client(ctx)
	if err != nil {
		return cloud.ReturnRequests{
			Status:   cloud.StatusCompleteWithErr,
			Message:  err.Error(),
			Requests: []cloud.ReturnedMachine{},
		}
	}
	ids := make([]string, 0, len(machines))
	for _, m := range machines {
		ids = append(ids, m.MachineID)
	}
	info := prv.describeInstances(ctx, client, ids)
	owners := prv.machineOwners()
	requests := []cloud.ReturnedMachine{}
	var updates []cloud.MachineUpdate
	for _, m := range machines {
		if info[m.MachineID].State != cloud.StatusTerminated {
			continue
		}
		name := m.Name
		if name == "" {
			name = "host-" + m.MachineID
		}
		requests = append(requests, cloud.ReturnedMachine{Machine: name, MachineID: m.MachineID})
		if own, ok := owners[m.MachineID]; ok && own.machine.Status != cloud.StatusTerminated {
			updates = append(updates, cloud.MachineUpdate{
				RequestID: own.requestID,
				MachineID: m.MachineID,
				Status:    cloud.Ptr(cloud.StatusTerminated),
				Result:    cloud.Ptr(cloud.ResultSucceed),
				Message:   cloud.Ptr("Instance terminated by cloud provider"),
			})
		}
	}
	if len(updates) > 0 {
		if _, err := prv.store.UpdateMachines(updates); err != nil {
			prv.logger.WithError(err).Error("failed to record terminated machines")
		}
	}
	msg := "No terminated instances found"
	if len(requests) > 0 {
		msg = fmt.Sprintf("Found %d terminated instances", len(requests))
	}
	return cloud.ReturnRequests{Status: cloud.StatusComplete, Message: msg, Requests: requests}
}
