// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"strings"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/sirupsen/logrus"
)

const (
	defaultReclaimInterval = 2 * time.Minute
	msgReclaimed           = "Spot instance terminated due to AWS reclaim notice"
)

// Substrings of an instance's (lowercased) state transition reason
// that indicate AWS is reclaiming it.
var reclaimNotices = []string{
	"spot instance termination",
	"server.spotinstanceterminationnotice",
	"marked for termination",
	"instance-termination",
}

func isReclaimNotice(reason string) bool {
	reason = strings.ToLower(reason)
	for _, notice := range reclaimNotices {
		if strings.Contains(reason, notice) {
			return true
		}
	}
	return false
}

// StartReclaimMonitor implements cloud.ReclaimMonitor. Stop waits
// for the monitor to exit.
func (prv *ec2Provider) StartReclaimMonitor(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	prv.running.Add(1)
	go func() {
		defer prv.running.Done()
		defer close(done)
		prv.runReclaimMonitor(ctx)
	}()
	return done
}

// runReclaimMonitor looks for tracked spot instances that have
// received a reclaim notice and terminates them, every
// ReclaimInterval until ctx is cancelled or Stop is called.
func (prv *ec2Provider) runReclaimMonitor(ctx context.Context) {
	interval := prv.cfg.ReclaimInterval.Duration()
	if interval <= 0 {
		interval = defaultReclaimInterval
	}
	logger := prv.logger.WithField("Monitor", "reclaim")
	logger.WithField("Interval", interval).Info("starting")
	for {
		wait := interval
		if err := prv.reclaimThrottle.Error(); err != nil {
			logger.WithError(err).Debug("skipping check")
			wait = time.Until(prv.reclaimThrottle.Until())
		} else if n, err := prv.reclaimOnce(ctx, logger); err != nil {
			logger.WithError(err).Error("reclaim check failed")
			prv.reclaimThrottle.CheckRateLimitError(err, logger, "DescribeInstances")
			wait = prv.reclaimErrorDelay
		} else if n > 0 {
			logger.Infof("terminated %d reclaimed spot instances", n)
		}
		select {
		case <-ctx.Done():
			logger.Info("stopped")
			return
		case <-prv.stop:
			logger.Info("stopped")
			return
		case <-time.After(wait):
		}
	}
}

// reclaimOnce terminates tracked spot instances that have a reclaim
// notice, and returns the number of instances terminated.
func (prv *ec2Provider) reclaimOnce(ctx context.Context, logger logrus.FieldLogger) (int, error) {
	var candidates []string
	for _, req := range prv.store.GetAllRequests() {
		for _, m := range req.Machines {
			if m.Status != cloud.StatusRunning && m.Status != cloud.StatusPending {
				continue
			}
			if lc, ok := prv.lifecycles.Get(m.MachineID); ok && lc.(string) != cloud.LifecycleSpot {
				continue
			}
			candidates = append(candidates, m.MachineID)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	client, err := prv.ec2Client(ctx)
	if err != nil {
		return 0, err
	}
	var reclaimed []string
	for _, chunk := range chunks(candidates, describeChunkSize) {
		infos, err := prv.describeForReclaim(ctx, client, chunk)
		if err != nil {
			return 0, err
		}
		for id, info := range infos {
			if info.State == cloud.StatusTerminated || info.State == cloud.StatusUnknown {
				continue
			}
			prv.lifecycles.Add(id, info.Lifecycle)
			if info.Lifecycle != cloud.LifecycleSpot || !isReclaimNotice(info.StateReason) {
				continue
			}
			logger.WithFields(logrus.Fields{
				"InstanceID": id,
				"Reason":     info.StateReason,
			}).Warn("spot instance reclaim notice")
			reclaimed = append(reclaimed, id)
		}
	}
	if len(reclaimed) == 0 {
		return 0, nil
	}
	res := prv.terminate(ctx, client, reclaimed, cloud.NewRequestID(cloud.KindReturn), msgReclaimed)
	n := len(res.Terminated) + len(res.AlreadyGone)
	prv.mReclaims.Add(float64(n))
	return n, nil
}

// describeForReclaim describes a chunk of instances. Unlike
// describeInstances, it returns errors other than "not found" so the
// monitor can back off.
func (prv *ec2Provider) describeForReclaim(ctx context.Context, client ec2Interface, chunk []string) (map[string]instanceInfo, error) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: chunk})
	err = wrapError(err, &prv.throttleDelay)
	if isInstanceNotFound(err) {
		return prv.describeInstances(ctx, client, chunk), nil
	} else if err != nil {
		code := errorCode(err)
		if code == "" {
			code = "InternalError"
		}
		prv.mDescribeErrors.WithLabelValues(code).Inc()
		return nil, err
	}
	infos := map[string]instanceInfo{}
	for _, rsv := range out.Reservations {
		for _, inst := range rsv.Instances {
			infos[aws.ToString(inst.InstanceId)] = infoFromInstance(inst)
		}
	}
	return infos, nil
}
