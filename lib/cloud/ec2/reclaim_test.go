// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/config"
	"git.arvados.org/awsprov.git/sdk/go/awsprovtest"
	"git.arvados.org/awsprov.git/sdk/go/ctxlog"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	check "gopkg.in/check.v1"
)

// trackRunning records ids as running machines of a new request.
func (s *EC2Suite) trackRunning(c *check.C, ids ...string) {
	reqID := cloud.NewRequestID(cloud.KindDirect)
	_, err := s.store.CreateRequest(cloud.Request{RequestID: reqID, TemplateID: "direct", Kind: cloud.KindDirect})
	c.Assert(err, check.IsNil)
	var machines []cloud.Machine
	for _, id := range ids {
		machines = append(machines, cloud.Machine{
			MachineID: id,
			Name:      "host-" + id,
			Status:    cloud.StatusRunning,
			Result:    cloud.ResultSucceed,
			ReqID:     reqID,
		})
	}
	_, err = s.store.AddMachines(reqID, machines)
	c.Assert(err, check.IsNil)
}

func (s *EC2Suite) TestReclaimNotice(c *check.C) {
	for _, trial := range []struct {
		reason string
		match  bool
	}{
		{"Server.SpotInstanceTermination: Spot instance termination", true},
		{"Server.SpotInstanceTerminationNotice", true},
		{"Instance marked for termination", true},
		{"instance-termination scheduled", true},
		{"User initiated (2025-01-01 00:00:00 GMT)", false},
		{"", false},
	} {
		c.Check(isReclaimNotice(trial.reason), check.Equals, trial.match, check.Commentf("%q", trial.reason))
	}
}

func (s *EC2Suite) TestReclaimOnce(c *check.C) {
	reclaimed := s.stub.add(types.InstanceStateNameRunning, true)
	healthy := s.stub.add(types.InstanceStateNameRunning, true)
	ondemand := s.stub.add(types.InstanceStateNameRunning, false)
	s.stub.instances[reclaimed].StateTransitionReason = aws.String("Server.SpotInstanceTerminationNotice: marked for termination")
	s.trackRunning(c, reclaimed, healthy, ondemand)

	logger := ctxlog.TestLogger(c)
	n, err := s.prv.reclaimOnce(context.Background(), logger)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 1)
	_, describe, terminate, _ := s.stub.calls()
	c.Check(describe, check.Equals, 1)
	c.Assert(terminate, check.Equals, 1)
	c.Check(s.stub.terminateInstancesCalls[0].InstanceIds, check.DeepEquals, []string{reclaimed})

	_, m, ok := s.store.GetOwningRequest(reclaimed)
	c.Assert(ok, check.Equals, true)
	c.Check(m.Status, check.Equals, cloud.StatusShuttingDown)
	c.Check(m.Message, check.Equals, "Spot instance terminated due to AWS reclaim notice")
	c.Check(m.RetID, check.Matches, `remove-.*`)
	c.Check(awsprovtest.GetMetricValue(c, s.reg, "awsprov_ec2_spot_reclaims_total"), check.Equals, 1.0)

	// The on-demand instance's lifecycle is cached, so only the
	// healthy spot instance is described next time.
	n, err = s.prv.reclaimOnce(context.Background(), logger)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 0)
	c.Assert(s.stub.describeInstancesCalls, check.HasLen, 2)
	c.Check(s.stub.describeInstancesCalls[1].InstanceIds, check.DeepEquals, []string{healthy})
}

func (s *EC2Suite) TestReclaimError(c *check.C) {
	s.trackRunning(c, s.stub.add(types.InstanceStateNameRunning, true))
	s.stub.describeErr = apiError("RequestLimitExceeded", "slow down")
	_, err := s.prv.reclaimOnce(context.Background(), ctxlog.TestLogger(c))
	c.Check(err, check.NotNil)
	_, ok := err.(cloud.RateLimitError)
	c.Check(ok, check.Equals, true)
	c.Check(awsprovtest.GetMetricValue(c, s.reg, "awsprov_ec2_describe_errors_total", "code", "RequestLimitExceeded"), check.Equals, 1.0)

	s.prv.reclaimThrottle.CheckRateLimitError(err, ctxlog.TestLogger(c), "DescribeInstances")
	c.Check(s.prv.reclaimThrottle.Error(), check.NotNil)
}

func (s *EC2Suite) TestReclaimMonitorStops(c *check.C) {
	s.cfg.ReclaimInterval = config.Duration(time.Hour)
	reclaimed := s.stub.add(types.InstanceStateNameRunning, true)
	s.stub.instances[reclaimed].StateTransitionReason = aws.String("Server.SpotInstanceTerminationNotice")
	s.trackRunning(c, reclaimed)

	done := s.prv.StartReclaimMonitor(context.Background())
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		if _, _, terminate, _ := s.stub.calls(); terminate > 0 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for reclaim")
		}
	}
	s.prv.Stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.Fatal("monitor did not stop")
	}
}

func (s *EC2Suite) TestReclaimMonitorContextCancel(c *check.C) {
	s.cfg.ReclaimInterval = config.Duration(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := s.prv.StartReclaimMonitor(ctx)
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.Fatal("monitor did not stop")
	}
	s.prv.Stop()
}

func (s *EC2Suite) TestStopWaitsForReclaimMonitor(c *check.C) {
	s.cfg.ReclaimInterval = config.Duration(time.Hour)
	done := s.prv.StartReclaimMonitor(context.Background())
	s.prv.Stop()
	select {
	case <-done:
	default:
		c.Error("Stop returned before the reclaim monitor exited")
	}
}
