// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"time"

	"git.arvados.org/awsprov.git/lib/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a HostProvider when the
// cloud service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a HostProvider when the cloud
// service indicates the account cannot create more VMs than already
// exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// A HostProvider acquires and releases compute hosts on behalf of the
// scheduler's resource connector. Each method corresponds to one
// connector script invocation.
type HostProvider interface {
	// Start creating count hosts from the given template. The
	// returned request ID can be passed to GetRequestStatus.
	RequestMachines(ctx context.Context, templateID string, count int, rcAccount string) (RequestResult, error)

	// Start releasing the given hosts. The returned request ID
	// can be passed to GetRequestStatus.
	RequestReturnMachines(ctx context.Context, machineIDs []string) (RequestResult, error)

	// Reconcile local state with the cloud and report progress of
	// a creation or return request.
	GetRequestStatus(ctx context.Context, requestID string) RequestStatus

	// Report which of the given hosts have been released (by us
	// or by the cloud provider).
	GetReturnRequests(ctx context.Context, machines []MachineSummary) ReturnRequests

	// Release background resources.
	Stop()
}

// A ReclaimMonitor watches for hosts the cloud provider is about to
// take back (e.g., spot instance interruptions) and releases them.
type ReclaimMonitor interface {
	// Start a monitor that runs until ctx is cancelled or the
	// provider is stopped. The returned channel is closed when it
	// exits.
	StartReclaimMonitor(ctx context.Context) <-chan struct{}
}

// Repository is the durable request/machine state shared between
// invocations.
type Repository interface {
	CreateRequest(Request) (bool, error)
	AddMachines(requestID string, machines []Machine) (BatchResult, error)
	UpdateMachines(updates []MachineUpdate) (BatchResult, error)
	RemoveMachine(requestID, machineID string) (removed, requestRemoved bool, err error)
	RemoveMachines(refs []MachineRef) (RemoveResult, error)
	GetRequest(requestID string) (Request, bool)
	GetAllRequests() []Request
	GetMachinesByReturnID(retID string) []Machine
	GetOwningRequest(machineID string) (Request, Machine, bool)
	CleanupOld(maxAge time.Duration) (CleanupStats, error)
	CleanupDue(interval time.Duration) (bool, error)
}

// A TemplateSource looks up host templates by ID.
type TemplateSource interface {
	GetTemplate(templateID string) (config.Template, error)
	AvailableTemplates() ([]config.Template, error)
}

// ProviderParams holds everything a Driver needs to set up a
// HostProvider.
type ProviderParams struct {
	Config    *config.Config
	Templates TemplateSource
	Store     Repository
	Logger    logrus.FieldLogger
	Registry  *prometheus.Registry
}

// A Driver returns a HostProvider for a particular cloud.
type Driver interface {
	HostProvider(ProviderParams) (HostProvider, error)
}

// DriverFunc makes a Driver using the provided function as its
// HostProvider method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(ProviderParams) (HostProvider, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(ProviderParams) (HostProvider, error)

func (df driverFunc) HostProvider(params ProviderParams) (HostProvider, error) {
	return df(params)
}
