// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

const (
	earliestRetryDelay = 10 * time.Second
	maxRetryDelay      = 5 * time.Minute
)

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

func (err rateLimitError) Unwrap() error {
	return err.error
}

type ec2QuotaError struct {
	error
}

func (er *ec2QuotaError) IsQuotaError() bool {
	return true
}

func (er *ec2QuotaError) Unwrap() error {
	return er.error
}

var isCodeThrottle = map[string]bool{
	"RequestLimitExceeded": true,
	"Throttling":           true,
	"ThrottlingException":  true,
}

var isCodeQuota = map[string]bool{
	"InstanceLimitExceeded":             true,
	"InsufficientAddressCapacity":       true,
	"InsufficientFreeAddressesInSubnet": true,
	"InsufficientVolumeCapacity":        true,
	"MaxSpotInstanceCountExceeded":      true,
	"MaxSpotFleetRequestCountExceeded":  true,
	"VcpuLimitExceeded":                 true,
}

// wrapError converts throttling and quota errors from the EC2 API
// into cloud.RateLimitError and cloud.QuotaError. Successive
// throttling errors back off by 1.5x, up to maxRetryDelay; a nil
// error resets the backoff.
func wrapError(err error, throttleValue *atomic.Value) error {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		if isCodeThrottle[aerr.ErrorCode()] {
			var d time.Duration
			if throttleValue != nil {
				d, _ = throttleValue.Load().(time.Duration)
				d = d * 3 / 2
			}
			if d < earliestRetryDelay {
				d = earliestRetryDelay
			} else if d > maxRetryDelay {
				d = maxRetryDelay
			}
			if throttleValue != nil {
				throttleValue.Store(d)
			}
			return rateLimitError{error: err, earliestRetry: time.Now().Add(d)}
		} else if isCodeQuota[aerr.ErrorCode()] {
			return &ec2QuotaError{err}
		}
	} else if err == nil {
		if throttleValue != nil {
			throttleValue.Store(time.Duration(0))
		}
		return nil
	}
	return err
}

// errorCode returns the EC2 error code carried by err, or "" if err
// did not come from the EC2 API.
func errorCode(err error) string {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		return aerr.ErrorCode()
	}
	return ""
}

func errorMessage(err error) string {
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		return aerr.ErrorMessage()
	}
	return err.Error()
}

// formatError returns "<context>. Error Code: <code>", the form the
// connector surfaces to the scheduler.
func formatError(context string, err error) string {
	code := errorCode(err)
	if code == "" {
		code = "UnknownError"
	}
	return fmt.Sprintf("%s. Error Code: %s", context, code)
}

func isNotFound(err error) bool {
	return strings.Contains(errorCode(err), "NotFound")
}
