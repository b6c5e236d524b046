// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package awsprovtest has helpers for tests that inspect provider
// metrics.
package awsprovtest

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/check.v1"
)

// GatherMetricsAsString returns the registry's metrics in the text
// exposition format.
func GatherMetricsAsString(reg *prometheus.Registry) string {
	buf := bytes.NewBuffer(nil)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	got, _ := reg.Gather()
	for _, mf := range got {
		enc.Encode(mf)
	}
	return buf.String()
}

// GetMetricValue returns the current value of the indicated counter
// or gauge. Label names and values are given in pairs, in the order
// the metric declares them:
//
//	GetMetricValue(c, reg, "awsprov_ec2_instance_starts_total", "subnet_id", "subnet-1", "success", "1")
//
// It returns 0 if no such series has been recorded.
func GetMetricValue(c *check.C, reg *prometheus.Registry, name string, labels ...string) float64 {
	gather, err := reg.Gather()
	c.Assert(err, check.IsNil)
	for _, mf := range gather {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.Metric {
			if 2*len(m.Label) != len(labels) {
				continue metric
			}
			for i, lp := range m.Label {
				if lp.GetName() != labels[i*2] || lp.GetValue() != labels[i*2+1] {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetUntyped() != nil:
				return m.GetUntyped().GetValue()
			}
			c.Fatalf("GetMetricValue: unsupported metric type: %s", m)
		}
	}
	return 0
}
