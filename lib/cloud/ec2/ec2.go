// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 provisions and releases scheduler hosts on AWS EC2,
// either directly with RunInstances or through spot fleet and EC2
// fleet requests, and reconciles the request store with what EC2
// reports.
package ec2

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/config"
	"git.arvados.org/awsprov.git/lib/credentials"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2Provider)

type ec2Interface interface {
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSubnets(context.Context, *ec2.DescribeSubnetsInput, ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)

	RequestSpotFleet(context.Context, *ec2.RequestSpotFleetInput, ...func(*ec2.Options)) (*ec2.RequestSpotFleetOutput, error)
	DescribeSpotFleetInstances(context.Context, *ec2.DescribeSpotFleetInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error)
	DescribeSpotFleetRequests(context.Context, *ec2.DescribeSpotFleetRequestsInput, ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error)
	CancelSpotFleetRequests(context.Context, *ec2.CancelSpotFleetRequestsInput, ...func(*ec2.Options)) (*ec2.CancelSpotFleetRequestsOutput, error)

	CreateFleet(context.Context, *ec2.CreateFleetInput, ...func(*ec2.Options)) (*ec2.CreateFleetOutput, error)
	DescribeFleetInstances(context.Context, *ec2.DescribeFleetInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeFleetInstancesOutput, error)
	DescribeFleets(context.Context, *ec2.DescribeFleetsInput, ...func(*ec2.Options)) (*ec2.DescribeFleetsOutput, error)
	DeleteFleets(context.Context, *ec2.DeleteFleetsInput, ...func(*ec2.Options)) (*ec2.DeleteFleetsOutput, error)

	DescribeLaunchTemplates(context.Context, *ec2.DescribeLaunchTemplatesInput, ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error)
	DescribeLaunchTemplateVersions(context.Context, *ec2.DescribeLaunchTemplateVersionsInput, ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplateVersionsOutput, error)
	CreateLaunchTemplateVersion(context.Context, *ec2.CreateLaunchTemplateVersionInput, ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateVersionOutput, error)
	DeleteLaunchTemplateVersions(context.Context, *ec2.DeleteLaunchTemplateVersionsInput, ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateVersionsOutput, error)
}

// Timeouts applied while reconciling creation requests.
const (
	unknownStateTimeout = 30 * time.Minute
	pendingStateTimeout = 60 * time.Minute
	fleetLaunchTimeout  = 30 * time.Minute
)

type ec2Provider struct {
	cfg       *config.Config
	templates cloud.TemplateSource
	store     cloud.Repository
	logger    logrus.FieldLogger

	creds     *credentials.Cache
	newClient func(aws.Credentials) ec2Interface
	clientMtx sync.Mutex
	client    ec2Interface

	// Wait before describe retry n. Exponential(1s) by default,
	// i.e., 1s, 2s, 4s...
	describeDelay func(int) time.Duration
	// Wait after a failed reclaim cycle.
	reclaimErrorDelay time.Duration
	now               func() time.Time

	throttleDelay   atomic.Value
	reclaimThrottle throttle
	lifecycles      *lru.Cache

	stop     chan struct{}
	stopOnce sync.Once
	running  sync.WaitGroup

	mInstanceStarts *prometheus.CounterVec
	mTerminations   *prometheus.CounterVec
	mReclaims       prometheus.Counter
	mDescribeErrors *prometheus.CounterVec
}

func newEC2Provider(params cloud.ProviderParams) (cloud.HostProvider, error) {
	if params.Config == nil {
		return nil, errors.New("no configuration provided")
	}
	if params.Config.Region == "" {
		return nil, errors.New("AWS_REGION is not configured")
	}
	logger := params.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	src, err := credentials.NewSource(params.Config, logger)
	if err != nil {
		return nil, err
	}
	lifecycles, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	prv := &ec2Provider{
		cfg:               params.Config,
		templates:         params.Templates,
		store:             params.Store,
		logger:            logger,
		creds:             credentials.NewCache(src, logger),
		describeDelay:     exponentialSeconds,
		reclaimErrorDelay: time.Minute,
		lifecycles:        lifecycles,
		stop:              make(chan struct{}),
	}
	prv.newClient = prv.newSDKClient
	prv.initMetrics(params.Registry)
	return prv, nil
}

func exponentialSeconds(n int) time.Duration {
	return time.Second << uint(n)
}

func (prv *ec2Provider) clock() time.Time {
	if prv.now != nil {
		return prv.now()
	}
	return time.Now()
}

func (prv *ec2Provider) newSDKClient(creds aws.Credentials) ec2Interface {
	awsConfig := aws.Config{
		Region:           prv.cfg.Region,
		Credentials:      awscredentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		RetryMaxAttempts: 10,
		RetryMode:        aws.RetryModeAdaptive,
	}
	return ec2.NewFromConfig(awsConfig, func(o *ec2.Options) {
		if prv.cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(prv.cfg.EndpointURL)
		}
	})
}

// ec2Client returns a client using current credentials, replacing
// the previous client if the credentials have changed.
func (prv *ec2Provider) ec2Client(ctx context.Context) (ec2Interface, error) {
	creds, changed, err := prv.creds.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "refreshing AWS credentials")
	}
	prv.clientMtx.Lock()
	defer prv.clientMtx.Unlock()
	if changed || prv.client == nil {
		if prv.client != nil {
			prv.logger.Info("AWS credentials changed, creating new EC2 client")
		}
		prv.client = prv.newClient(creds)
	}
	return prv.client, nil
}

// RequestMachines implements cloud.HostProvider.
func (prv *ec2Provider) RequestMachines(ctx context.Context, templateID string, count int, rcAccount string) (cloud.RequestResult, error) {
	logger := prv.logger.WithFields(logrus.Fields{
		"TemplateID": templateID,
		"Count":      count,
	})
	if count < 1 {
		return cloud.RequestResult{}, fmt.Errorf("invalid machine count %d", count)
	}
	if rcAccount == "" {
		rcAccount = "default"
	}
	tmpl, err := prv.templates.GetTemplate(templateID)
	if err != nil {
		return cloud.RequestResult{}, err
	}
	client, err := prv.ec2Client(ctx)
	if err != nil {
		return cloud.RequestResult{}, fmt.Errorf("Unexpected error while creating instances. Error Code: CredentialError: %s", err)
	}

	var res LaunchResult
	switch cloud.HostAllocationType(tmpl.Allocation()).Kind() {
	case cloud.KindSpotFleet:
		logger.Info("using spot fleet")
		res = prv.createSpotFleet(ctx, client, tmpl, count, rcAccount)
	case cloud.KindEC2Fleet:
		logger.Info("using EC2 fleet")
		res = prv.createEC2Fleet(ctx, client, tmpl, count, rcAccount)
	default:
		logger.Info("launching instances directly")
		res = prv.createInstances(ctx, client, tmpl, count, rcAccount)
	}

	if res.Success {
		logger = logger.WithField("RequestID", res.RequestID)
		logger.WithField("Instances", len(res.InstanceIDs)).Info("request accepted")
		msg := "Request VM from AWS successful."
		if res.Warning != "" {
			logger.Warn(res.Warning)
			msg += " Warning: " + res.Warning
		}
		return cloud.RequestResult{RequestID: res.RequestID, Message: msg}, nil
	}
	var msg string
	switch {
	case len(res.FailedInstances) > 0:
		if res.Error != "" {
			logger.Error(res.Error)
		}
		msg = "Failed to create instances. " + res.FailedInstances[0].Message
	case res.Error != "":
		msg = res.Error
	default:
		msg = "Failed to create instances. Error Code: UnknownError"
	}
	logger.Error(msg)
	return cloud.RequestResult{}, errors.New(msg)
}

// Stop implements cloud.HostProvider. It ends a running reclaim
// monitor and waits for it to return.
func (prv *ec2Provider) Stop() {
	prv.stopOnce.Do(func() { close(prv.stop) })
	prv.running.Wait()
}
