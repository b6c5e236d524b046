// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package credentials obtains AWS credentials from a file, a
// site-supplied script, or the SDK's default chain, and caches them
// until shortly before they expire.
package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sirupsen/logrus"
)

const (
	defaultBuffer   = 300 * time.Second
	defaultLifetime = time.Hour
)

// A Source produces fresh credentials.
type Source interface {
	Retrieve(context.Context) (aws.Credentials, error)
}

// Cache holds the most recently retrieved credentials and refreshes
// them when they are within Buffer of expiring. Only one refresh runs
// at a time; callers waiting on a refresh use its result.
type Cache struct {
	Source Source
	Logger logrus.FieldLogger

	// Refresh when this close to expiry. Default 300s.
	Buffer time.Duration

	// Assumed lifetime of credentials that don't say when they
	// expire. Default 1h.
	DefaultLifetime time.Duration

	now func() time.Time

	refreshMtx sync.Mutex
	mtx        sync.RWMutex
	creds      aws.Credentials
	expires    time.Time
	loaded     bool
}

// NewCache returns a Cache for src.
func NewCache(src Source, logger logrus.FieldLogger) *Cache {
	return &Cache{Source: src, Logger: logger}
}

func (cc *Cache) clock() time.Time {
	if cc.now != nil {
		return cc.now()
	}
	return time.Now()
}

func (cc *Cache) buffer() time.Duration {
	if cc.Buffer > 0 {
		return cc.Buffer
	}
	return defaultBuffer
}

func (cc *Cache) fresh() (aws.Credentials, bool) {
	cc.mtx.RLock()
	defer cc.mtx.RUnlock()
	if !cc.loaded || !cc.clock().Before(cc.expires.Add(-cc.buffer())) {
		return aws.Credentials{}, false
	}
	return cc.creds, true
}

// Get returns valid credentials, retrieving new ones from Source if
// the cached ones are missing or about to expire. changed is true if
// the returned credentials differ from the ones previously returned,
// in which case API clients built with the old ones should be
// replaced.
func (cc *Cache) Get(ctx context.Context) (creds aws.Credentials, changed bool, err error) {
	if creds, ok := cc.fresh(); ok {
		return creds, false, nil
	}
	cc.refreshMtx.Lock()
	defer cc.refreshMtx.Unlock()
	if creds, ok := cc.fresh(); ok {
		// Another goroutine refreshed while we waited.
		return creds, false, nil
	}
	creds, err = cc.Source.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, false, err
	}
	expires := creds.Expires
	if !creds.CanExpire || expires.IsZero() {
		lifetime := cc.DefaultLifetime
		if lifetime <= 0 {
			lifetime = defaultLifetime
		}
		expires = cc.clock().Add(lifetime)
	}

	cc.mtx.Lock()
	changed = !cc.loaded || !sameCredentials(cc.creds, creds)
	cc.creds = creds
	cc.expires = expires
	cc.loaded = true
	cc.mtx.Unlock()

	if cc.Logger != nil {
		cc.Logger.WithFields(logrus.Fields{
			"Source":  creds.Source,
			"Expires": expires,
			"Changed": changed,
		}).Debug("refreshed credentials")
	}
	return creds, changed, nil
}

// Expires returns the time the cached credentials are considered to
// expire, or the zero time if nothing is cached.
func (cc *Cache) Expires() time.Time {
	cc.mtx.RLock()
	defer cc.mtx.RUnlock()
	return cc.expires
}

func sameCredentials(a, b aws.Credentials) bool {
	return a.AccessKeyID == b.AccessKeyID &&
		a.SecretAccessKey == b.SecretAccessKey &&
		a.SessionToken == b.SessionToken
}
