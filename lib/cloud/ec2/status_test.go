// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	check "gopkg.in/check.v1"
)

func (s *EC2Suite) TestStatusInvalidRequestID(c *check.C) {
	st := s.prv.GetRequestStatus(context.Background(), "bogus-123")
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Message, check.Equals, "Invalid request format")
	c.Check(st.Machines, check.HasLen, 0)

	st = s.prv.GetRequestStatus(context.Background(), "dir-does-not-exist")
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Message, check.Equals, "Request not found: dir-does-not-exist")
}

func (s *EC2Suite) TestStatusRunning(c *check.C) {
	s.cfg.TagInstanceID = true
	res, err := s.prv.RequestMachines(context.Background(), "direct", 2, "acct")
	c.Assert(err, check.IsNil)
	ids := s.machineIDs(c, res.RequestID)

	st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusRequestRunning)
	c.Check(st.Message, check.Equals, "Request still in progress")
	c.Assert(st.Machines, check.HasLen, 2)
	c.Check(st.Machines[0].Message, check.Equals, "Instance is pending (0.0 minutes)")

	s.stub.setState(types.InstanceStateNameRunning, ids...)
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	c.Check(st.Message, check.Equals, "Request completed successfully")
	for _, m := range st.Machines {
		c.Check(m.Status, check.Equals, cloud.StatusRunning)
		c.Check(m.Result, check.Equals, cloud.ResultSucceed)
		c.Check(m.PrivateIPAddress, check.Matches, `10\.0\..*`)
		c.Check(m.Name, check.Matches, `ip-10-0-.*\.ec2\.internal`)
		c.Check(m.LifeCycleType, check.Equals, cloud.LifecycleOnDemand)
		c.Check(m.TagInstanceID, check.Equals, true)
	}
	// One CreateTags call for each instance and one for its
	// volumes.
	_, _, _, tags := s.stub.calls()
	c.Check(tags, check.Equals, 4)
	c.Check(s.stub.createTagsCalls[1].Resources, check.DeepEquals, []string{"vol-" + s.stub.createTagsCalls[0].Resources[0]})

	// Already tagged instances aren't tagged again.
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	_, _, _, tags = s.stub.calls()
	c.Check(tags, check.Equals, 4)

	req, _ := s.store.GetRequest(res.RequestID)
	for _, m := range req.Machines {
		c.Check(m.Status, check.Equals, cloud.StatusRunning)
		c.Check(m.TagInstanceID, check.Equals, true)
	}
}

func (s *EC2Suite) TestStatusPendingTimeout(c *check.C) {
	res, err := s.prv.RequestMachines(context.Background(), "direct", 2, "acct")
	c.Assert(err, check.IsNil)
	ids := s.machineIDs(c, res.RequestID)
	s.stub.setState(types.InstanceStateNameRunning, ids[1])

	s.now = s.now.Add(61 * time.Minute)
	st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Message, check.Equals, "Request completed with errors")
	c.Assert(st.Machines, check.HasLen, 2)
	c.Check(st.Machines[0].Status, check.Equals, cloud.StatusFailed)
	c.Check(st.Machines[0].Result, check.Equals, cloud.ResultFail)
	c.Check(st.Machines[0].Message, check.Equals, "Instance stuck in pending state for 61.0 minutes - timeout exceeded")
	c.Check(st.Machines[1].Result, check.Equals, cloud.ResultSucceed)

	_, _, terminate, _ := s.stub.calls()
	c.Assert(terminate, check.Equals, 1)
	c.Check(s.stub.terminateInstancesCalls[0].InstanceIds, check.DeepEquals, []string{ids[0]})

	// A failed machine stays failed and is not terminated again.
	s.now = s.now.Add(time.Minute)
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Machines[0].Status, check.Equals, cloud.StatusFailed)
	_, _, terminate, _ = s.stub.calls()
	c.Check(terminate, check.Equals, 1)
}

func (s *EC2Suite) TestStatusUnknownState(c *check.C) {
	res, err := s.prv.RequestMachines(context.Background(), "direct", 1, "acct")
	c.Assert(err, check.IsNil)
	s.stub.describeErr = apiError("InternalError", "try again")

	st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusRequestRunning)
	c.Assert(st.Machines, check.HasLen, 1)
	c.Check(st.Machines[0].Status, check.Equals, cloud.StatusUnknown)
	c.Check(st.Machines[0].Message, check.Equals, "Instance state unknown - retrying")
	// Initial attempt plus DescribeMaxRetries.
	_, describe, _, _ := s.stub.calls()
	c.Check(describe, check.Equals, 3)

	s.now = s.now.Add(31 * time.Minute)
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Machines[0].Status, check.Equals, cloud.StatusFailed)
	c.Check(st.Machines[0].Message, check.Equals, "Instance in unknown state for 31.0 minutes - assuming failed")
	_, _, terminate, _ := s.stub.calls()
	c.Check(terminate, check.Equals, 1)
}

func (s *EC2Suite) TestStatusInstanceVanished(c *check.C) {
	res, err := s.prv.RequestMachines(context.Background(), "direct", 2, "acct")
	c.Assert(err, check.IsNil)
	ids := s.machineIDs(c, res.RequestID)
	s.stub.setState(types.InstanceStateNameRunning, ids[0])
	s.stub.forget(ids[1])

	st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Assert(st.Machines, check.HasLen, 2)
	c.Check(st.Machines[0].Result, check.Equals, cloud.ResultSucceed)
	c.Check(st.Machines[1].Status, check.Equals, cloud.StatusTerminated)
	c.Check(st.Machines[1].Result, check.Equals, cloud.ResultFail)
	c.Check(st.Machines[1].Message, check.Equals, "Instance creation failed: terminated")
}

func (s *EC2Suite) TestSpotFleetRequest(c *check.C) {
	res, err := s.prv.RequestMachines(context.Background(), "spot", 4, "acct")
	c.Assert(err, check.IsNil)
	c.Check(res.RequestID, check.Equals, "sfr-11111111-2222-3333-4444-555555555555")
	c.Assert(s.stub.requestSpotFleetCalls, check.HasLen, 1)
	cfg := s.stub.requestSpotFleetCalls[0].SpotFleetRequestConfig
	c.Check(aws.ToInt32(cfg.TargetCapacity), check.Equals, int32(4))
	c.Check(cfg.Type, check.Equals, types.FleetTypeRequest)
	c.Check(cfg.AllocationStrategy, check.Equals, types.AllocationStrategyCapacityOptimized)
	c.Check(aws.ToString(cfg.IamFleetRole), check.Equals, "arn:aws:iam::123456789012:role/fleet")
	// Two instance types, two subnets.
	c.Check(cfg.LaunchSpecifications, check.HasLen, 4)

	req, ok := s.store.GetRequest(res.RequestID)
	c.Assert(ok, check.Equals, true)
	c.Check(req.Kind, check.Equals, cloud.KindSpotFleet)
	c.Check(req.HostAllocationType, check.Equals, cloud.AllocationSpotFleet)
	c.Check(req.Machines, check.HasLen, 0)

	s.stub.spotFleetState = types.BatchStateActive
	s.stub.spotFleetActivity = types.ActivityStatus("pending_fulfillment")
	st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusRequestRunning)
	c.Check(st.Message, check.Matches, `Fleet request processing \(.* minutes\) - no instances launched yet`)

	id1 := s.stub.add(types.InstanceStateNameRunning, true)
	id2 := s.stub.add(types.InstanceStateNamePending, true)
	s.stub.fleetActive = []string{id1, id2}
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusRequestRunning)
	c.Assert(st.Machines, check.HasLen, 2)
	c.Check(st.Machines[0].MachineID, check.Equals, id1)
	c.Check(st.Machines[0].Result, check.Equals, cloud.ResultSucceed)
	c.Check(st.Machines[0].LifeCycleType, check.Equals, cloud.LifecycleSpot)
	c.Check(st.Machines[0].ReqID, check.Equals, res.RequestID)
	c.Check(st.Machines[0].RCAccount, check.Equals, "acct")
	c.Check(st.Machines[1].Result, check.Equals, cloud.ResultExecuting)

	// Instances already tracked are not added twice.
	s.stub.setState(types.InstanceStateNameRunning, id2)
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	c.Check(st.Machines, check.HasLen, 2)

	// Tracked machines are reported even after the fleet is
	// fulfilled.
	s.stub.spotFleetActivity = types.ActivityStatus("fulfilled")
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	c.Check(st.Message, check.Equals, "Request completed successfully")
	c.Check(st.Machines, check.HasLen, 2)
}

func (s *EC2Suite) TestSpotFleetTerminalStateSkipsDescribe(c *check.C) {
	res, err := s.prv.RequestMachines(context.Background(), "spot", 2, "acct")
	c.Assert(err, check.IsNil)
	for _, trial := range []struct {
		state    types.BatchState
		activity types.ActivityStatus
		status   cloud.Status
		message  string
	}{
		{"", "", cloud.StatusCompleteWithErr, "Spot Fleet not found"},
		{types.BatchStateCancelled, "", cloud.StatusComplete, "Spot Fleet cancelled"},
		{types.BatchStateCancelledTerminatingInstances, "", cloud.StatusComplete, "Spot Fleet cancelled_terminating"},
		{types.BatchStateFailed, "", cloud.StatusCompleteWithErr, "Spot Fleet failed"},
		{types.BatchStateActive, "fulfilled", cloud.StatusComplete, "Spot Fleet fulfilled"},
	} {
		c.Logf("trial: %+v", trial)
		s.stub.spotFleetState = trial.state
		s.stub.spotFleetActivity = trial.activity
		st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
		c.Check(st.Status, check.Equals, trial.status)
		c.Check(st.Message, check.Equals, trial.message)
		c.Check(st.Machines, check.HasLen, 0)
	}
	_, describe, _, _ := s.stub.calls()
	c.Check(describe, check.Equals, 0)
}

func (s *EC2Suite) TestFleetTimeout(c *check.C) {
	res, err := s.prv.RequestMachines(context.Background(), "spot", 2, "acct")
	c.Assert(err, check.IsNil)
	s.stub.spotFleetState = types.BatchStateActive
	s.now = s.now.Add(31 * time.Minute)
	st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Message, check.Matches, `Fleet request timed out after 3[01]\.\d minutes with no instances launched`)
}

func (s *EC2Suite) writeFleetConfig(c *check.C, fleetType string) {
	err := os.WriteFile(filepath.Join(s.cfg.ConfDir, "fleet.json"), []byte(`{
  "Type": "`+fleetType+`",
  "LaunchTemplateConfigs": [
    {"LaunchTemplateSpecification": {"LaunchTemplateId": "lt-1", "Version": "$Latest"}}
  ],
  "TargetCapacitySpecification": {
    "TotalTargetCapacity": $LSF_TOTAL_TARGET_CAPACITY,
    "DefaultTargetCapacityType": "on-demand"
  }
}`), 0644)
	c.Assert(err, check.IsNil)
	s.stub.ltVersions = []types.LaunchTemplateVersion{{
		LaunchTemplateId: aws.String("lt-1"),
		VersionNumber:    aws.Int64(1),
		LaunchTemplateData: &types.ResponseLaunchTemplateData{
			ImageId:      aws.String("ami-1"),
			InstanceType: types.InstanceTypeM5Large,
		},
	}}
}

func (s *EC2Suite) TestEC2FleetInstant(c *check.C) {
	s.writeFleetConfig(c, "instant")
	res, err := s.prv.RequestMachines(context.Background(), "fleet", 3, "acct")
	c.Assert(err, check.IsNil)
	c.Check(res.RequestID, check.Equals, "fleet-1")

	c.Assert(s.stub.createLTVersionCalls, check.HasLen, 1)
	lt := s.stub.createLTVersionCalls[0]
	c.Check(aws.ToString(lt.LaunchTemplateId), check.Equals, "lt-1")
	c.Check(aws.ToString(lt.LaunchTemplateData.ImageId), check.Equals, "ami-1")
	c.Check(lt.LaunchTemplateData.InstanceType, check.Equals, types.InstanceTypeC5Xlarge)
	c.Check(aws.ToString(lt.VersionDescription), check.Matches, `Temporary LSF version for fleet with all overrides - created .*`)

	c.Assert(s.stub.createFleetCalls, check.HasLen, 1)
	input := s.stub.createFleetCalls[0]
	c.Check(aws.ToString(input.LaunchTemplateConfigs[0].LaunchTemplateSpecification.Version), check.Equals, "2")
	c.Check(aws.ToInt32(input.TargetCapacitySpecification.TotalTargetCapacity), check.Equals, int32(3))
	c.Check(aws.ToInt32(input.TargetCapacitySpecification.OnDemandTargetCapacity), check.Equals, int32(0))
	c.Check(aws.ToInt32(input.TargetCapacitySpecification.SpotTargetCapacity), check.Equals, int32(3))
	c.Check(input.TagSpecifications[0].ResourceType, check.Equals, types.ResourceTypeFleet)

	req, ok := s.store.GetRequest(res.RequestID)
	c.Assert(ok, check.Equals, true)
	c.Check(req.Kind, check.Equals, cloud.KindEC2Fleet)
	c.Check(req.FleetType, check.Equals, cloud.FleetInstant)
	c.Assert(req.Machines, check.HasLen, 3)
	ids := s.machineIDs(c, res.RequestID)

	// Return all hosts; once they are gone the request is
	// removed and its temporary launch template version is
	// deleted.
	s.stub.setState(types.InstanceStateNameRunning, ids...)
	ret, err := s.prv.RequestReturnMachines(context.Background(), ids)
	c.Assert(err, check.IsNil)
	s.stub.setState(types.InstanceStateNameTerminated, ids...)
	st := s.prv.GetRequestStatus(context.Background(), ret.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	_, ok = s.store.GetRequest(res.RequestID)
	c.Check(ok, check.Equals, false)
	c.Assert(s.stub.deleteLTVersionsCalls, check.HasLen, 1)
	c.Check(s.stub.deleteLTVersionsCalls[0].Versions, check.DeepEquals, []string{"2"})
}

func (s *EC2Suite) TestEC2FleetRequestErrors(c *check.C) {
	s.writeFleetConfig(c, "request")
	res, err := s.prv.RequestMachines(context.Background(), "fleet", 2, "acct")
	c.Assert(err, check.IsNil)
	req, _ := s.store.GetRequest(res.RequestID)
	c.Check(req.FleetType, check.Equals, cloud.FleetRequest)
	c.Check(req.Machines, check.HasLen, 0)

	st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Message, check.Equals, "EC2 Fleet not found")

	s.stub.fleets[res.RequestID] = types.FleetData{
		FleetId:    aws.String(res.RequestID),
		FleetState: types.FleetStateCodeActive,
		Errors: []types.DescribeFleetError{
			{ErrorCode: aws.String("InsufficientInstanceCapacity"), ErrorMessage: aws.String("no capacity")},
			{ErrorCode: aws.String("InvalidParameter"), ErrorMessage: aws.String("bad subnet")},
		},
	}
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Message, check.Equals, "EC2 Fleet has errors: no capacity, bad subnet")

	s.stub.fleets[res.RequestID] = types.FleetData{FleetId: aws.String(res.RequestID), FleetState: types.FleetStateCodeDeletedRunning}
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	c.Check(st.Message, check.Equals, "EC2 Fleet deleted_running")

	id := s.stub.add(types.InstanceStateNameRunning, false)
	s.stub.fleetActive = []string{id}
	st = s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	c.Check(st.Message, check.Equals, "Request completed successfully")
	c.Check(st.Machines, check.HasLen, 1)
}

type failingStore struct{ cloud.Repository }

func (failingStore) CreateRequest(cloud.Request) (bool, error) {
	return false, errors.New("disk full")
}

func (s *EC2Suite) TestUnrecordedFleetsAreDeleted(c *check.C) {
	s.prv.store = failingStore{s.store}

	_, err := s.prv.RequestMachines(context.Background(), "spot", 2, "acct")
	c.Check(err, check.ErrorMatches, `Failed to record request sfr-11111111-2222-3333-4444-555555555555: disk full`)
	c.Assert(s.stub.cancelSpotFleetCalls, check.HasLen, 1)
	c.Check(s.stub.cancelSpotFleetCalls[0].SpotFleetRequestIds, check.DeepEquals, []string{"sfr-11111111-2222-3333-4444-555555555555"})
	c.Check(aws.ToBool(s.stub.cancelSpotFleetCalls[0].TerminateInstances), check.Equals, true)

	s.writeFleetConfig(c, "instant")
	_, err = s.prv.RequestMachines(context.Background(), "fleet", 3, "acct")
	c.Check(err, check.ErrorMatches, `Failed to record request fleet-1: disk full`)
	c.Assert(s.stub.deleteFleetsCalls, check.HasLen, 1)
	c.Check(s.stub.deleteFleetsCalls[0].FleetIds, check.DeepEquals, []string{"fleet-1"})
	c.Check(aws.ToBool(s.stub.deleteFleetsCalls[0].TerminateInstances), check.Equals, true)
	_, _, terminate, _ := s.stub.calls()
	c.Check(terminate, check.Equals, 0)

	// If the fleet can't be deleted, its instances are
	// terminated directly.
	s.stub.deleteFleetsErr = apiError("UnauthorizedOperation", "not allowed")
	_, err = s.prv.RequestMachines(context.Background(), "fleet", 3, "acct")
	c.Check(err, check.ErrorMatches, `Failed to record request fleet-2: disk full`)
	c.Assert(s.stub.terminateInstancesCalls, check.HasLen, 1)
	c.Check(s.stub.terminateInstancesCalls[0].InstanceIds, check.HasLen, 3)

	c.Check(s.store.GetAllRequests(), check.HasLen, 0)
}

func (s *EC2Suite) TestCleanupTempVersionsMatchesTemplateOnly(c *check.C) {
	s.stub.ltVersions = []types.LaunchTemplateVersion{
		{VersionNumber: aws.Int64(1), VersionDescription: aws.String(tempVersionPrefix("fleet") + "original")},
		{VersionNumber: aws.Int64(2), VersionDescription: aws.String(tempVersionPrefix("fleet") + "with all overrides")},
		{VersionNumber: aws.Int64(3), VersionDescription: aws.String(tempVersionPrefix("fleet2") + "with all overrides")},
		{VersionNumber: aws.Int64(4), VersionDescription: aws.String("hand made")},
	}
	n := s.prv.cleanupTempVersions(context.Background(), s.stub, "fleet")
	c.Check(n, check.Equals, 1)
	c.Assert(s.stub.deleteLTVersionsCalls, check.HasLen, 1)
	c.Check(s.stub.deleteLTVersionsCalls[0].Versions, check.DeepEquals, []string{"2"})
}

func (s *EC2Suite) TestFleetCapacity(c *check.C) {
	ratio := 0.5
	tmpl := s.prv.templates.(stubTemplates)["fleet"]
	tmpl.OnDemandTargetCapacityRatio = &ratio
	total, onDemand, spot := fleetCapacity(tmpl, 5)
	c.Check([]int{total, onDemand, spot}, check.DeepEquals, []int{5, 2, 3})
	total, onDemand, spot = fleetCapacity(tmpl, 50)
	c.Check([]int{total, onDemand, spot}, check.DeepEquals, []int{10, 5, 5})
}

func (s *EC2Suite) TestLoadFleetConfigErrors(c *check.C) {
	tmpl := s.prv.templates.(stubTemplates)["fleet"]
	_, err := s.prv.loadFleetConfig(tmpl)
	c.Check(err, check.ErrorMatches, `reading EC2 Fleet configuration: .*no such file or directory`)

	err = os.WriteFile(filepath.Join(s.cfg.ConfDir, "fleet.json"), []byte(`{"Type": [`), 0644)
	c.Assert(err, check.IsNil)
	_, err = s.prv.loadFleetConfig(tmpl)
	c.Check(err, check.ErrorMatches, `invalid EC2 Fleet configuration .*`)

	_, err = s.prv.RequestMachines(context.Background(), "fleet", 1, "")
	c.Check(err, check.NotNil)
	c.Check(strings.HasPrefix(err.Error(), "Failed to load EC2 Fleet configuration"), check.Equals, true)
}

func (s *EC2Suite) TestPeriodicCleanup(c *check.C) {
	s.writeFleetConfig(c, "request")
	res, err := s.prv.RequestMachines(context.Background(), "fleet", 1, "acct")
	c.Assert(err, check.IsNil)
	c.Assert(s.stub.createLTVersionCalls, check.HasLen, 1)

	// An empty request older than MaxRequestAge is dropped by
	// the cleanup that follows a status poll, and its temporary
	// launch template version is deleted.
	s.cfg.MaxRequestAge = config.Duration(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	st := s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(st.Message, check.Equals, "EC2 Fleet not found")
	_, ok := s.store.GetRequest(res.RequestID)
	c.Check(ok, check.Equals, false)
	c.Assert(s.stub.deleteLTVersionsCalls, check.HasLen, 1)
	c.Check(s.stub.deleteLTVersionsCalls[0].Versions, check.DeepEquals, []string{"2"})

	// Cleanup runs at most once per CleanupInterval.
	s.prv.GetRequestStatus(context.Background(), res.RequestID)
	c.Check(s.stub.deleteLTVersionsCalls, check.HasLen, 1)
}
