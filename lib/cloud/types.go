// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"strings"

	"github.com/google/uuid"
)

// RequestKind identifies how a request's machines were (or will be)
// provisioned or released.
type RequestKind string

const (
	KindDirect    RequestKind = "direct"
	KindSpotFleet RequestKind = "spotFleet"
	KindEC2Fleet  RequestKind = "ec2Fleet"
	KindReturn    RequestKind = "return"
)

// Request ID prefixes. Spot fleet and EC2 fleet IDs are assigned by
// AWS and already carry their prefix.
var kindPrefix = map[RequestKind]string{
	KindDirect:    "dir-",
	KindSpotFleet: "sfr-",
	KindEC2Fleet:  "fleet-",
	KindReturn:    "remove-",
}

// Prefix returns the request ID prefix for k.
func (k RequestKind) Prefix() string {
	return kindPrefix[k]
}

// IsCreation reports whether k is one of the provisioning kinds.
func (k RequestKind) IsCreation() bool {
	return k == KindDirect || k == KindSpotFleet || k == KindEC2Fleet
}

// IsFleet reports whether k is one of the fleet kinds.
func (k RequestKind) IsFleet() bool {
	return k == KindSpotFleet || k == KindEC2Fleet
}

// KindFromID returns the kind encoded in a request ID supplied by a
// caller. Request IDs are opaque to the scheduler, so this is the
// only way to classify a return request, which has no stored record.
func KindFromID(id string) (RequestKind, bool) {
	for _, k := range []RequestKind{KindDirect, KindSpotFleet, KindEC2Fleet, KindReturn} {
		if strings.HasPrefix(id, k.Prefix()) {
			return k, true
		}
	}
	return "", false
}

// NewRequestID returns a fresh request ID for a kind whose IDs are
// assigned locally (direct and return).
func NewRequestID(k RequestKind) string {
	return k.Prefix() + uuid.NewString()
}

// HostAllocationType is the template setting that selects a
// provisioning strategy.
type HostAllocationType string

const (
	AllocationDirect    HostAllocationType = "direct"
	AllocationSpotFleet HostAllocationType = "spotFleet"
	AllocationEC2Fleet  HostAllocationType = "ec2Fleet"
)

// Kind returns the request kind for a. Unrecognized values are
// treated as direct.
func (a HostAllocationType) Kind() RequestKind {
	switch a {
	case AllocationSpotFleet:
		return KindSpotFleet
	case AllocationEC2Fleet:
		return KindEC2Fleet
	default:
		return KindDirect
	}
}

// FleetType is the EC2 fleet request type.
type FleetType string

const (
	FleetInstant  FleetType = "instant"
	FleetRequest  FleetType = "request"
	FleetMaintain FleetType = "maintain"
)

// MachineStatus is the provider-reported lifecycle state of a host,
// plus "unknown" and "failed" which are assigned locally.
type MachineStatus string

const (
	StatusPending      MachineStatus = "pending"
	StatusRunning      MachineStatus = "running"
	StatusShuttingDown MachineStatus = "shutting-down"
	StatusTerminated   MachineStatus = "terminated"
	StatusStopping     MachineStatus = "stopping"
	StatusStopped      MachineStatus = "stopped"
	StatusUnknown      MachineStatus = "unknown"
	StatusFailed       MachineStatus = "failed"
)

// MachineResult is the scheduler-facing outcome for a host.
type MachineResult string

const (
	ResultExecuting MachineResult = "executing"
	ResultSucceed   MachineResult = "succeed"
	ResultFail      MachineResult = "fail"
)

// Status is the scheduler-facing state of a whole request.
type Status string

const (
	StatusRequestRunning  Status = "running"
	StatusComplete        Status = "complete"
	StatusCompleteWithErr Status = "complete_with_error"
)

// Instance lifecycle types reported as Machine.LifeCycleType.
const (
	LifecycleOnDemand = "ondemand"
	LifecycleSpot     = "spot"
)

// Machine is a host tracked on behalf of a request.
type Machine struct {
	MachineID        string        `json:"machineId"`
	Name             string        `json:"name"`
	Template         string        `json:"template"`
	RCAccount        string        `json:"rcAccount"`
	Status           MachineStatus `json:"status"`
	Result           MachineResult `json:"result"`
	Message          string        `json:"message"`
	PrivateIPAddress string        `json:"privateIpAddress"`
	PublicIPAddress  string        `json:"publicIpAddress"`
	PublicDNSName    string        `json:"publicDnsName"`
	LifeCycleType    string        `json:"lifeCycleType"`
	TagInstanceID    bool          `json:"tagInstanceId"`
	NCores           int           `json:"ncores"`
	NThreads         int           `json:"nthreads"`
	ReqID            string        `json:"reqId"`
	RetID            string        `json:"retId"`
	LaunchTime       int64         `json:"launchtime"`
}

// Removable reports whether m may be dropped from the store.
func (m Machine) Removable() bool {
	return m.Status == StatusTerminated || m.Status == StatusFailed
}

// Request is a creation request and the hosts it produced.
type Request struct {
	RequestID          string             `json:"requestId"`
	TemplateID         string             `json:"templateId"`
	RCAccount          string             `json:"rc_account"`
	HostAllocationType HostAllocationType `json:"hostAllocationType"`
	FleetType          FleetType          `json:"fleet_type,omitempty"`
	Kind               RequestKind        `json:"kind"`
	CreatedAt          int64              `json:"time"`
	Machines           []Machine          `json:"machines"`
}

// Machine returns the machine with the given ID and its index, or
// -1 if the request has no such machine.
func (r *Request) Machine(machineID string) (*Machine, int) {
	for i := range r.Machines {
		if r.Machines[i].MachineID == machineID {
			return &r.Machines[i], i
		}
	}
	return nil, -1
}

// MachineRef identifies a machine within its owning request.
type MachineRef struct {
	RequestID string
	MachineID string
}

// MachineUpdate is a sparse update: nil fields are left unchanged.
type MachineUpdate struct {
	RequestID string
	MachineID string

	Status           *MachineStatus
	Result           *MachineResult
	Message          *string
	RetID            *string
	PrivateIPAddress *string
	PublicIPAddress  *string
	PublicDNSName    *string
	Name             *string
	LifeCycleType    *string
	TagInstanceID    *bool
}

// Apply copies the fields present in u to m.
func (u MachineUpdate) Apply(m *Machine) {
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.Result != nil {
		m.Result = *u.Result
	}
	if u.Message != nil {
		m.Message = *u.Message
	}
	if u.RetID != nil {
		m.RetID = *u.RetID
	}
	if u.PrivateIPAddress != nil {
		m.PrivateIPAddress = *u.PrivateIPAddress
	}
	if u.PublicIPAddress != nil {
		m.PublicIPAddress = *u.PublicIPAddress
	}
	if u.PublicDNSName != nil {
		m.PublicDNSName = *u.PublicDNSName
	}
	if u.Name != nil {
		m.Name = *u.Name
	}
	if u.LifeCycleType != nil {
		m.LifeCycleType = *u.LifeCycleType
	}
	if u.TagInstanceID != nil {
		m.TagInstanceID = *u.TagInstanceID
	}
}

// BatchResult reports the outcome of a batch store mutation.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    []string
}

// RemoveResult reports the outcome of a batch removal.
type RemoveResult struct {
	Removed         int
	Errors          []string
	RemovedRequests []Request
}

// CleanupStats reports what a cleanup pass dropped.
type CleanupStats struct {
	MachinesRemoved int
	RequestsRemoved int
	// EC2 fleet requests that were removed. Their temporary
	// launch template versions can be deleted.
	FleetRequests []Request
}

// MachineSummary identifies a host in connector input and output.
type MachineSummary struct {
	Name      string `json:"name"`
	MachineID string `json:"machineId"`
}

// RequestResult is returned by the create and return operations.
type RequestResult struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// RequestStatus is a snapshot of a request's progress.
type RequestStatus struct {
	RequestID string    `json:"requestId"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Machines  []Machine `json:"machines"`
}

// ReturnedMachine is an entry in ReturnRequests.
type ReturnedMachine struct {
	Machine   string `json:"machine"`
	MachineID string `json:"machineId"`
}

// ReturnRequests lists hosts that are gone.
type ReturnRequests struct {
	Status   Status            `json:"status"`
	Message  string            `json:"message"`
	Requests []ReturnedMachine `json:"requests"`
}

// Ptr returns a pointer to v. It is convenient for building
// MachineUpdates.
func Ptr[T any](v T) *T {
	return &v
}
