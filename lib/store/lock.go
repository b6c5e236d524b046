// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"git.arvados.org/awsprov.git/sdk/go/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when the store lock could not be
// acquired within the configured number of attempts.
var ErrLockTimeout = errors.New("timed out waiting for store lock")

var errLockHeld = errors.New("lock held by another process")

// fileLock is an advisory lock shared by every process using the
// same store file. The lock file is created exclusively and holds
// the owner's PID; a lock file older than staleAfter is assumed to
// belong to a crashed process and is removed.
type fileLock struct {
	path       string
	attempts   int
	delay      time.Duration
	staleAfter time.Duration
	logger     logrus.FieldLogger
}

func newFileLock(path string, logger logrus.FieldLogger) *fileLock {
	return &fileLock{
		path:       path,
		attempts:   100,
		delay:      20 * time.Millisecond,
		staleAfter: 30 * time.Second,
		logger:     logger,
	}
}

func (fl *fileLock) acquire() error {
	err := backoff.Policy{
		Attempts:  fl.attempts,
		Delay:     backoff.Linear(fl.delay),
		Retryable: func(err error) bool { return err == errLockHeld },
	}.Do(context.Background(), fl.try)
	if err == errLockHeld {
		return errors.Wrapf(ErrLockTimeout, "%s", fl.path)
	}
	return err
}

func (fl *fileLock) try() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(fl.path)
			return errors.Wrap(err, "writing lock file")
		}
		return nil
	}
	if !os.IsExist(err) {
		return errors.Wrap(err, "creating lock file")
	}
	fi, err := os.Stat(fl.path)
	if err != nil {
		// Released between our create and stat.
		return errLockHeld
	}
	if age := time.Since(fi.ModTime()); age > fl.staleAfter {
		owner, _ := os.ReadFile(fl.path)
		fl.logger.WithFields(logrus.Fields{
			"LockFile": fl.path,
			"Age":      age.Round(time.Second),
			"Owner":    string(owner),
		}).Warn("removing stale store lock")
		os.Remove(fl.path)
	}
	return errLockHeld
}

func (fl *fileLock) release() {
	if err := os.Remove(fl.path); err != nil && !os.IsNotExist(err) {
		fl.logger.WithError(err).Warn("error removing store lock")
	}
}
