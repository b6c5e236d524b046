// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hostfactory

import (
	"context"
	"encoding/json"
	"fmt"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/config"
	"git.arvados.org/awsprov.git/sdk/go/ctxlog"
	"github.com/pkg/errors"
)

type templatesResponse struct {
	Templates []config.Template `json:"templates"`
}

func getAvailableTemplates(ctx context.Context, e *env, _ []byte) (interface{}, error) {
	tmpls, err := e.templates.AvailableTemplates()
	if err != nil {
		return nil, err
	}
	if tmpls == nil {
		tmpls = []config.Template{}
	}
	ctxlog.FromContext(ctx).WithField("Templates", len(tmpls)).Info("listed templates")
	return templatesResponse{Templates: tmpls}, nil
}

type requestMachinesInput struct {
	Template struct {
		TemplateID   string `json:"templateId"`
		MachineCount int    `json:"machineCount"`
	} `json:"template"`
	RCAccount string `json:"rc_account"`
}

func requestMachines(ctx context.Context, e *env, input []byte) (interface{}, error) {
	var in requestMachinesInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Template.TemplateID == "" {
		return nil, errors.New("missing template.templateId")
	}
	prv, err := e.Provider()
	if err != nil {
		return nil, err
	}
	return prv.RequestMachines(ctx, in.Template.TemplateID, in.Template.MachineCount, in.RCAccount)
}

type machinesInput struct {
	Machines []cloud.MachineSummary `json:"machines"`
}

func requestReturnMachines(ctx context.Context, e *env, input []byte) (interface{}, error) {
	var in machinesInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range in.Machines {
		if m.MachineID == "" {
			return nil, fmt.Errorf("missing machineId for machine %q", m.Name)
		}
		ids = append(ids, m.MachineID)
	}
	if len(ids) == 0 {
		return nil, errors.New("no machines to return")
	}
	prv, err := e.Provider()
	if err != nil {
		return nil, err
	}
	return prv.RequestReturnMachines(ctx, ids)
}

type requestStatusInput struct {
	Requests []struct {
		RequestID string `json:"requestId"`
	} `json:"requests"`
}

type requestStatusResponse struct {
	Requests []cloud.RequestStatus `json:"requests"`
}

func getRequestStatus(ctx context.Context, e *env, input []byte) (interface{}, error) {
	var in requestStatusInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	resp := requestStatusResponse{Requests: []cloud.RequestStatus{}}
	if len(in.Requests) == 0 {
		return resp, nil
	}
	prv, err := e.Provider()
	if err != nil {
		return nil, err
	}
	for _, req := range in.Requests {
		resp.Requests = append(resp.Requests, prv.GetRequestStatus(ctx, req.RequestID))
	}
	return resp, nil
}

func getReturnRequests(ctx context.Context, e *env, input []byte) (interface{}, error) {
	var in machinesInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if len(in.Machines) == 0 {
		// Nothing to check, so don't bother setting up a
		// cloud client.
		return cloud.ReturnRequests{
			Status:   cloud.StatusComplete,
			Message:  "No instances found to return",
			Requests: []cloud.ReturnedMachine{},
		}, nil
	}
	prv, err := e.Provider()
	if err != nil {
		return nil, err
	}
	return prv.GetReturnRequests(ctx, in.Machines), nil
}

func decodeInput(input []byte, dst interface{}) error {
	if err := json.Unmarshal(input, dst); err != nil {
		return errors.Wrap(err, "invalid input JSON")
	}
	return nil
}
