// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (prv *ec2Provider) initMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	prv.mInstanceStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "awsprov",
		Subsystem: "ec2",
		Name:      "instance_starts_total",
		Help:      "Number of attempts to start a batch of instances.",
	}, []string{"subnet_id", "success"})
	prv.mTerminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "awsprov",
		Subsystem: "ec2",
		Name:      "instance_terminations_total",
		Help:      "Number of instances submitted for termination.",
	}, []string{"success"})
	prv.mReclaims = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "awsprov",
		Subsystem: "ec2",
		Name:      "spot_reclaims_total",
		Help:      "Number of spot instances terminated after a reclaim notice.",
	})
	prv.mDescribeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "awsprov",
		Subsystem: "ec2",
		Name:      "describe_errors_total",
		Help:      "Number of failed DescribeInstances calls.",
	}, []string{"code"})
	reg.MustRegister(prv.mInstanceStarts, prv.mTerminations, prv.mReclaims, prv.mDescribeErrors)
}
