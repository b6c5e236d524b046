// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"sort"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/sdk/go/awsprovtest"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	check "gopkg.in/check.v1"
)

func (s *EC2Suite) TestReturnMachines(c *check.C) {
	res, err := s.prv.RequestMachines(context.Background(), "direct", 3, "acct")
	c.Assert(err, check.IsNil)
	ids := s.machineIDs(c, res.RequestID)
	s.stub.setState(types.InstanceStateNameRunning, ids...)
	s.stub.forget(ids[2])

	ret, err := s.prv.RequestReturnMachines(context.Background(), ids)
	c.Assert(err, check.IsNil)
	c.Check(ret.RequestID, check.Matches, `remove-.*`)
	c.Check(ret.Message, check.Equals, "Delete VM success.")

	// The first call fails because one instance is gone; the
	// retry covers the two that still exist.
	_, _, terminate, _ := s.stub.calls()
	c.Assert(terminate, check.Equals, 2)
	retried := append([]string(nil), s.stub.terminateInstancesCalls[1].InstanceIds...)
	sort.Strings(retried)
	c.Check(retried, check.DeepEquals, []string{ids[0], ids[1]})

	req, _ := s.store.GetRequest(res.RequestID)
	for _, m := range req.Machines {
		c.Check(m.RetID, check.Equals, ret.RequestID)
		c.Check(m.Status, check.Equals, cloud.StatusShuttingDown)
		if m.MachineID == ids[2] {
			c.Check(m.Message, check.Equals, msgAlreadyGone)
		} else {
			c.Check(m.Message, check.Equals, "Instance termination initiated")
		}
	}
	c.Check(awsprovtest.GetMetricValue(c, s.reg, "awsprov_ec2_instance_terminations_total", "success", "1"), check.Equals, 2.0)

	st := s.prv.GetRequestStatus(context.Background(), ret.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusRequestRunning)
	c.Check(st.Message, check.Equals, "Request still in progress")
	c.Check(st.Machines, check.HasLen, 3)
	for _, m := range st.Machines {
		if m.MachineID == ids[2] {
			c.Check(m.Result, check.Equals, cloud.ResultSucceed)
			c.Check(m.Message, check.Equals, "Instance terminated successfully")
		} else {
			c.Check(m.Result, check.Equals, cloud.ResultExecuting)
			c.Check(m.Message, check.Equals, "Instance is being terminated")
		}
	}
	req, _ = s.store.GetRequest(res.RequestID)
	c.Check(req.Machines, check.HasLen, 2)

	s.stub.setState(types.InstanceStateNameTerminated, ids[0], ids[1])
	st = s.prv.GetRequestStatus(context.Background(), ret.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	c.Check(st.Message, check.Equals, "Request completed successfully")
	_, ok := s.store.GetRequest(res.RequestID)
	c.Check(ok, check.Equals, false)

	st = s.prv.GetRequestStatus(context.Background(), ret.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
	c.Check(st.Message, check.Equals, "No machines found for request "+ret.RequestID)
}

func (s *EC2Suite) TestReturnStillRunning(c *check.C) {
	res, err := s.prv.RequestMachines(context.Background(), "direct", 1, "acct")
	c.Assert(err, check.IsNil)
	ids := s.machineIDs(c, res.RequestID)
	ret, err := s.prv.RequestReturnMachines(context.Background(), ids)
	c.Assert(err, check.IsNil)

	s.stub.setState(types.InstanceStateNameRunning, ids...)
	st := s.prv.GetRequestStatus(context.Background(), ret.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusCompleteWithErr)
	c.Check(st.Message, check.Equals, "Request completed with errors")
	c.Check(st.Machines[0].Message, check.Equals, "Instance still running - termination may have failed")
}

func (s *EC2Suite) TestReturnNothing(c *check.C) {
	_, err := s.prv.RequestReturnMachines(context.Background(), nil)
	c.Check(err, check.NotNil)
}

func (s *EC2Suite) TestReturnUntrackedInstance(c *check.C) {
	id := s.stub.add(types.InstanceStateNameRunning, false)
	ret, err := s.prv.RequestReturnMachines(context.Background(), []string{id})
	c.Assert(err, check.IsNil)
	c.Check(ret.Message, check.Equals, "Delete VM success.")
	// Nothing in the store refers to the return request.
	st := s.prv.GetRequestStatus(context.Background(), ret.RequestID)
	c.Check(st.Status, check.Equals, cloud.StatusComplete)
}

func (s *EC2Suite) TestGetReturnRequests(c *check.C) {
	rr := s.prv.GetReturnRequests(context.Background(), nil)
	c.Check(rr.Status, check.Equals, cloud.StatusComplete)
	c.Check(rr.Message, check.Equals, "No instances found to return")
	c.Check(rr.Requests, check.HasLen, 0)

	res, err := s.prv.RequestMachines(context.Background(), "direct", 2, "acct")
	c.Assert(err, check.IsNil)
	ids := s.machineIDs(c, res.RequestID)
	s.stub.setState(types.InstanceStateNameRunning, ids[0])
	s.stub.setState(types.InstanceStateNameTerminated, ids[1])

	rr = s.prv.GetReturnRequests(context.Background(), []cloud.MachineSummary{
		{Name: "host-a", MachineID: ids[0]},
		{MachineID: ids[1]},
	})
	c.Check(rr.Status, check.Equals, cloud.StatusComplete)
	c.Check(rr.Message, check.Equals, "Found 1 terminated instances")
	c.Check(rr.Requests, check.DeepEquals, []cloud.ReturnedMachine{{Machine: "host-" + ids[1], MachineID: ids[1]}})

	_, m, ok := s.store.GetOwningRequest(ids[1])
	c.Assert(ok, check.Equals, true)
	c.Check(m.Status, check.Equals, cloud.StatusTerminated)
	c.Check(m.Result, check.Equals, cloud.ResultSucceed)
	c.Check(m.Message, check.Equals, "Instance terminated by cloud provider")

	s.stub.setState(types.InstanceStateNameRunning, ids[1])
	rr = s.prv.GetReturnRequests(context.Background(), []cloud.MachineSummary{{MachineID: ids[1]}})
	c.Check(rr.Message, check.Equals, "No terminated instances found")
}
