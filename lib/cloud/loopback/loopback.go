// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is a HostProvider that "creates" hosts by
// recording localhost entries in the request store. It is useful for
// exercising the connector scripts without a cloud account.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newProvider)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type provider struct {
	templates cloud.TemplateSource
	store     cloud.Repository
	logger    logrus.FieldLogger
	now       func() time.Time

	// Serializes the quota check with the store update that
	// follows it.
	mtx sync.Mutex
}

func newProvider(params cloud.ProviderParams) (cloud.HostProvider, error) {
	if params.Store == nil {
		return nil, errors.New("loopback driver needs a request store")
	}
	if params.Templates == nil {
		return nil, errors.New("loopback driver needs a template source")
	}
	logger := params.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &provider{
		templates: params.Templates,
		store:     params.Store,
		logger:    logger.WithField("Driver", "loopback"),
		now:       time.Now,
	}, nil
}

// active returns the number of tracked hosts from the given template
// that have not been returned.
func (prv *provider) active(templateID string) int {
	n := 0
	for _, req := range prv.store.GetAllRequests() {
		if req.TemplateID != templateID {
			continue
		}
		for _, m := range req.Machines {
			if m.RetID == "" && !m.Removable() {
				n++
			}
		}
	}
	return n
}

func (prv *provider) RequestMachines(ctx context.Context, templateID string, count int, rcAccount string) (cloud.RequestResult, error) {
	if count < 1 {
		return cloud.RequestResult{}, fmt.Errorf("invalid machine count %d", count)
	}
	tmpl, err := prv.templates.GetTemplate(templateID)
	if err != nil {
		return cloud.RequestResult{}, err
	}
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	if n := prv.active(templateID); n+count > tmpl.MaxNumber {
		return cloud.RequestResult{}, quotaError(fmt.Sprintf("template %q allows %d hosts, %d in use", templateID, tmpl.MaxNumber, n))
	}
	now := prv.now()
	req := cloud.Request{
		RequestID:          cloud.NewRequestID(cloud.KindDirect),
		TemplateID:         templateID,
		RCAccount:          rcAccount,
		HostAllocationType: cloud.AllocationDirect,
		Kind:               cloud.KindDirect,
		CreatedAt:          now.UnixMilli(),
	}
	if _, err := prv.store.CreateRequest(req); err != nil {
		return cloud.RequestResult{}, err
	}
	var machines []cloud.Machine
	for i := 0; i < count; i++ {
		id := "lo-" + uuid.New().String()[:8]
		machines = append(machines, cloud.Machine{
			MachineID:        id,
			Name:             "localhost",
			Template:         templateID,
			RCAccount:        rcAccount,
			Status:           cloud.StatusRunning,
			Result:           cloud.ResultSucceed,
			Message:          "Loopback host ready",
			PrivateIPAddress: "127.0.0.1",
			LifeCycleType:    cloud.LifecycleOnDemand,
			NCores:           tmpl.NumericAttribute("ncores", 1),
			NThreads:         tmpl.NumericAttribute("ncpus", 1),
			ReqID:            req.RequestID,
			LaunchTime:       now.Unix(),
		})
	}
	if _, err := prv.store.AddMachines(req.RequestID, machines); err != nil {
		return cloud.RequestResult{}, err
	}
	prv.logger.WithFields(logrus.Fields{
		"RequestID":  req.RequestID,
		"TemplateID": templateID,
		"Count":      count,
	}).Info("created loopback hosts")
	return cloud.RequestResult{RequestID: req.RequestID, Message: "Request VM from loopback successful."}, nil
}

func (prv *provider) RequestReturnMachines(ctx context.Context, machineIDs []string) (cloud.RequestResult, error) {
	if len(machineIDs) == 0 {
		return cloud.RequestResult{}, errors.New("no machines to return")
	}
	retID := cloud.NewRequestID(cloud.KindReturn)
	var updates []cloud.MachineUpdate
	for _, id := range machineIDs {
		req, _, ok := prv.store.GetOwningRequest(id)
		if !ok {
			prv.logger.WithField("InstanceID", id).Warn("returning untracked host")
			continue
		}
		updates = append(updates, cloud.MachineUpdate{
			RequestID: req.RequestID,
			MachineID: id,
			Status:    cloud.Ptr(cloud.StatusShuttingDown),
			Result:    cloud.Ptr(cloud.ResultExecuting),
			Message:   cloud.Ptr("Instance termination initiated"),
			RetID:     cloud.Ptr(retID),
		})
	}
	if _, err := prv.store.UpdateMachines(updates); err != nil {
		return cloud.RequestResult{}, err
	}
	return cloud.RequestResult{RequestID: retID, Message: "Delete VM success."}, nil
}

// GetRequestStatus reports creation requests as they are stored.
// Returned hosts finish terminating on the first poll.
func (prv *provider) GetRequestStatus(ctx context.Context, requestID string) cloud.RequestStatus {
	kind, ok := cloud.KindFromID(requestID)
	if !ok {
		return cloud.RequestStatus{RequestID: requestID, Status: cloud.StatusCompleteWithErr, Message: "Invalid request format", Machines: []cloud.Machine{}}
	}
	if kind.IsCreation() {
		req, ok := prv.store.GetRequest(requestID)
		if !ok {
			return cloud.RequestStatus{RequestID: requestID, Status: cloud.StatusCompleteWithErr, Message: "Request not found: " + requestID, Machines: []cloud.Machine{}}
		}
		machines := req.Machines
		if machines == nil {
			machines = []cloud.Machine{}
		}
		return cloud.RequestStatus{RequestID: requestID, Status: cloud.StatusComplete, Message: "Request completed successfully", Machines: machines}
	}

	machines := prv.store.GetMachinesByReturnID(requestID)
	if len(machines) == 0 {
		return cloud.RequestStatus{RequestID: requestID, Status: cloud.StatusComplete, Message: "No machines found for request " + requestID, Machines: []cloud.Machine{}}
	}
	var refs []cloud.MachineRef
	for i := range machines {
		machines[i].Status = cloud.StatusTerminated
		machines[i].Result = cloud.ResultSucceed
		machines[i].Message = "Instance terminated successfully"
		refs = append(refs, cloud.MachineRef{RequestID: machines[i].ReqID, MachineID: machines[i].MachineID})
	}
	var updates []cloud.MachineUpdate
	for _, m := range machines {
		updates = append(updates, cloud.MachineUpdate{
			RequestID: m.ReqID,
			MachineID: m.MachineID,
			Status:    cloud.Ptr(m.Status),
			Result:    cloud.Ptr(m.Result),
			Message:   cloud.Ptr(m.Message),
		})
	}
	if _, err := prv.store.UpdateMachines(updates); err != nil {
		prv.logger.WithError(err).Error("error updating returned hosts")
	} else if _, err := prv.store.RemoveMachines(refs); err != nil {
		prv.logger.WithError(err).Error("error removing returned hosts")
	}
	return cloud.RequestStatus{RequestID: requestID, Status: cloud.StatusComplete, Message: "Request completed successfully", Machines: machines}
}

// GetReturnRequests reports hosts that are no longer tracked, or
// have been returned, as gone.
func (prv *provider) GetReturnRequests(ctx context.Context, machines []cloud.MachineSummary) cloud.ReturnRequests {
	if len(machines) == 0 {
		return cloud.ReturnRequests{Status: cloud.StatusComplete, Message: "No instances found to return", Requests: []cloud.ReturnedMachine{}}
	}
	requests := []cloud.ReturnedMachine{}
	for _, ms := range machines {
		_, m, ok := prv.store.GetOwningRequest(ms.MachineID)
		if ok && m.RetID == "" && !m.Removable() {
			continue
		}
		name := ms.Name
		if ok && m.Name != "" {
			name = m.Name
		}
		requests = append(requests, cloud.ReturnedMachine{Machine: name, MachineID: ms.MachineID})
	}
	msg := "No terminated instances found"
	if len(requests) > 0 {
		msg = fmt.Sprintf("Found %d terminated instances", len(requests))
	}
	return cloud.ReturnRequests{Status: cloud.StatusComplete, Message: msg, Requests: requests}
}

func (prv *provider) Stop() {}
