// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store keeps the provider's in-flight requests and machines
// in a JSON document shared by every invocation of the connector.
//
// Every read and write holds an in-process mutex and a lock file
// next to the document. Writes back up the current document, then
// replace it atomically.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrRequestNotFound is returned by AddMachines for an unknown
// request.
var ErrRequestNotFound = errors.New("request not found")

type document struct {
	Requests []cloud.Request `json:"requests"`
}

func (doc *document) request(id string) *cloud.Request {
	for i := range doc.Requests {
		if doc.Requests[i].RequestID == id {
			return &doc.Requests[i]
		}
	}
	return nil
}

// Store is a cloud.Repository backed by a JSON file.
type Store struct {
	path   string
	logger logrus.FieldLogger
	lock   *fileLock
	mtx    sync.Mutex
	now    func() time.Time
}

var _ cloud.Repository = (*Store)(nil)

// New returns a Store using the document at path, creating an empty
// document (and its directory) if needed.
func New(path string, logger logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating store directory")
	}
	s := &Store{
		path:   path,
		logger: logger.WithField("Store", path),
		lock:   newFileLock(path+".lock", logger),
		now:    time.Now,
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = s.update(func(doc *document) (bool, error) { return true, nil })
		if err != nil {
			return nil, errors.Wrap(err, "initializing store")
		}
	}
	return s, nil
}

func (s *Store) backupPath() string { return s.path + ".backup" }

// load reads the document, falling back to the backup, then to
// whatever can be salvaged, then to an empty document. Caller must
// hold the locks.
func (s *Store) load() document {
	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return document{Requests: []cloud.Request{}}
	}
	var doc document
	if err == nil {
		if err = json.Unmarshal(buf, &doc); err == nil {
			return normalize(doc)
		}
	}
	s.logger.WithError(err).Error("store document unreadable, trying backup")
	if bbuf, berr := os.ReadFile(s.backupPath()); berr == nil {
		var bdoc document
		if berr = json.Unmarshal(bbuf, &bdoc); berr == nil {
			s.logger.Warn("recovered store from backup")
			return normalize(bdoc)
		}
	}
	if doc, serr := salvage(buf); serr == nil {
		s.logger.Warnf("recovered %d requests from damaged store document", len(doc.Requests))
		return normalize(doc)
	}
	s.logger.Error("store document and backup unrecoverable, starting empty")
	return document{Requests: []cloud.Request{}}
}

// normalize fills fields missing from documents written by older
// versions.
func normalize(doc document) document {
	if doc.Requests == nil {
		doc.Requests = []cloud.Request{}
	}
	for i := range doc.Requests {
		req := &doc.Requests[i]
		if req.Kind == "" {
			req.Kind, _ = cloud.KindFromID(req.RequestID)
		}
		if req.Machines == nil {
			req.Machines = []cloud.Machine{}
		}
	}
	return doc
}

// commit writes doc: back up the current file, then replace it. If
// the replacement fails, the backup is restored.
func (s *Store) commit(doc document) error {
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := backup(s.path, s.backupPath()); err != nil {
		s.logger.WithError(err).Warn("error backing up store")
	}
	if err := writeAtomic(s.path, buf); err != nil {
		if rerr := restore(s.path, s.backupPath()); rerr != nil && !os.IsNotExist(rerr) {
			s.logger.WithError(rerr).Error("error restoring store from backup")
		}
		return errors.Wrap(err, "writing store")
	}
	return nil
}

// update runs fn on the current document under both locks, and
// writes the result if fn reports a change.
func (s *Store) update(fn func(*document) (bool, error)) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.lock.acquire(); err != nil {
		return err
	}
	defer s.lock.release()
	doc := s.load()
	changed, err := fn(&doc)
	if err != nil || !changed {
		return err
	}
	return s.commit(doc)
}

// view runs fn on a fresh read of the document. If the lock cannot
// be acquired, fn sees an empty document.
func (s *Store) view(fn func(*document)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.lock.acquire(); err != nil {
		s.logger.WithError(err).Error("reading store without data")
		fn(&document{Requests: []cloud.Request{}})
		return
	}
	defer s.lock.release()
	doc := s.load()
	fn(&doc)
}

// CreateRequest adds a request with no machines. It returns false if
// a request with the same ID already exists.
func (s *Store) CreateRequest(req cloud.Request) (bool, error) {
	created := false
	err := s.update(func(doc *document) (bool, error) {
		if doc.request(req.RequestID) != nil {
			s.logger.WithField("RequestID", req.RequestID).Warn("request already exists")
			return false, nil
		}
		if req.CreatedAt == 0 {
			req.CreatedAt = s.now().UnixMilli()
		}
		if req.Kind == "" {
			req.Kind, _ = cloud.KindFromID(req.RequestID)
		}
		if req.Machines == nil {
			req.Machines = []cloud.Machine{}
		}
		doc.Requests = append(doc.Requests, req)
		created = true
		return true, nil
	})
	return created && err == nil, err
}

// AddMachines appends machines to a request, skipping any whose ID
// the request already has.
func (s *Store) AddMachines(requestID string, machines []cloud.Machine) (cloud.BatchResult, error) {
	var res cloud.BatchResult
	err := s.update(func(doc *document) (bool, error) {
		req := doc.request(requestID)
		if req == nil {
			res.Failed = len(machines)
			return false, errors.Wrapf(ErrRequestNotFound, "%s", requestID)
		}
		for _, m := range machines {
			if existing, _ := req.Machine(m.MachineID); existing != nil {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("machine %s already in request %s", m.MachineID, requestID))
				continue
			}
			if m.ReqID == "" {
				m.ReqID = requestID
			}
			req.Machines = append(req.Machines, m)
			res.Succeeded++
		}
		return res.Succeeded > 0, nil
	})
	if err != nil && res.Succeeded > 0 {
		// The write failed, so nothing was added.
		res.Failed += res.Succeeded
		res.Succeeded = 0
	}
	return res, err
}

// UpdateMachines applies sparse updates, possibly to machines in
// several requests, in a single write. Updates naming an unknown
// request or machine are reported in Errors.
func (s *Store) UpdateMachines(updates []cloud.MachineUpdate) (cloud.BatchResult, error) {
	var res cloud.BatchResult
	if len(updates) == 0 {
		return res, nil
	}
	err := s.update(func(doc *document) (bool, error) {
		for _, u := range updates {
			req := doc.request(u.RequestID)
			if req == nil {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("request %s not found", u.RequestID))
				continue
			}
			m, _ := req.Machine(u.MachineID)
			if m == nil {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("machine %s not found in request %s", u.MachineID, u.RequestID))
				continue
			}
			u.Apply(m)
			res.Succeeded++
		}
		return res.Succeeded > 0, nil
	})
	if err != nil {
		res.Failed += res.Succeeded
		res.Succeeded = 0
	}
	return res, err
}

// RemoveMachine removes a terminated or failed machine. If it was the
// request's last machine, the request is removed in the same write.
func (s *Store) RemoveMachine(requestID, machineID string) (removed, requestRemoved bool, err error) {
	res, err := s.RemoveMachines([]cloud.MachineRef{{RequestID: requestID, MachineID: machineID}})
	return res.Removed > 0, len(res.RemovedRequests) > 0, err
}

// RemoveMachines is the batch form of RemoveMachine. Machines that
// are not in a removable state are left alone and reported in
// Errors.
func (s *Store) RemoveMachines(refs []cloud.MachineRef) (cloud.RemoveResult, error) {
	var res cloud.RemoveResult
	if len(refs) == 0 {
		return res, nil
	}
	err := s.update(func(doc *document) (bool, error) {
		touched := map[string]bool{}
		for _, ref := range refs {
			req := doc.request(ref.RequestID)
			if req == nil {
				res.Errors = append(res.Errors, fmt.Sprintf("request %s not found", ref.RequestID))
				continue
			}
			m, idx := req.Machine(ref.MachineID)
			if m == nil {
				res.Errors = append(res.Errors, fmt.Sprintf("machine %s not found in request %s", ref.MachineID, ref.RequestID))
				continue
			}
			if !m.Removable() {
				res.Errors = append(res.Errors, fmt.Sprintf("cannot remove machine %s: status is %q", ref.MachineID, m.Status))
				continue
			}
			req.Machines = append(req.Machines[:idx], req.Machines[idx+1:]...)
			touched[req.RequestID] = true
			res.Removed++
		}
		if res.Removed == 0 {
			return false, nil
		}
		kept := doc.Requests[:0]
		for _, req := range doc.Requests {
			if touched[req.RequestID] && len(req.Machines) == 0 {
				res.RemovedRequests = append(res.RemovedRequests, req)
				s.logger.WithField("RequestID", req.RequestID).Info("removed empty request")
				continue
			}
			kept = append(kept, req)
		}
		doc.Requests = kept
		return true, nil
	})
	if err != nil {
		return cloud.RemoveResult{Errors: res.Errors}, err
	}
	return res, nil
}

// GetRequest returns the request with the given ID.
func (s *Store) GetRequest(requestID string) (req cloud.Request, ok bool) {
	s.view(func(doc *document) {
		if r := doc.request(requestID); r != nil {
			req, ok = *r, true
		}
	})
	return
}

// GetAllRequests returns every request.
func (s *Store) GetAllRequests() (reqs []cloud.Request) {
	s.view(func(doc *document) {
		reqs = doc.Requests
	})
	return
}

// GetMachinesByReturnID returns the machines being released by the
// given return request.
func (s *Store) GetMachinesByReturnID(retID string) (machines []cloud.Machine) {
	s.view(func(doc *document) {
		for _, req := range doc.Requests {
			for _, m := range req.Machines {
				if m.RetID == retID {
					machines = append(machines, m)
				}
			}
		}
	})
	return
}

// GetOwningRequest returns the request holding the given machine.
func (s *Store) GetOwningRequest(machineID string) (req cloud.Request, machine cloud.Machine, ok bool) {
	s.view(func(doc *document) {
		for _, r := range doc.Requests {
			if m, _ := r.Machine(machineID); m != nil {
				req, machine, ok = r, *m, true
				return
			}
		}
	})
	return
}

// CleanupOld drops terminated machines, then drops requests that
// have no machines and were created more than maxAge ago. Removed
// fleet requests are returned so the caller can release
// provider-side resources tied to them.
func (s *Store) CleanupOld(maxAge time.Duration) (cloud.CleanupStats, error) {
	var stats cloud.CleanupStats
	err := s.update(func(doc *document) (bool, error) {
		cutoff := s.now().Add(-maxAge).UnixMilli()
		kept := doc.Requests[:0]
		for _, req := range doc.Requests {
			machines := req.Machines[:0]
			for _, m := range req.Machines {
				if m.Status == cloud.StatusTerminated {
					stats.MachinesRemoved++
					continue
				}
				machines = append(machines, m)
			}
			req.Machines = machines
			if len(req.Machines) == 0 && req.CreatedAt < cutoff {
				stats.RequestsRemoved++
				if req.Kind == cloud.KindEC2Fleet {
					stats.FleetRequests = append(stats.FleetRequests, req)
				}
				continue
			}
			kept = append(kept, req)
		}
		doc.Requests = kept
		return stats.MachinesRemoved > 0 || stats.RequestsRemoved > 0, nil
	})
	if err != nil {
		return cloud.CleanupStats{}, err
	}
	if stats.MachinesRemoved > 0 || stats.RequestsRemoved > 0 {
		s.logger.WithFields(logrus.Fields{
			"MachinesRemoved": stats.MachinesRemoved,
			"RequestsRemoved": stats.RequestsRemoved,
		}).Info("store cleanup")
	}
	return stats, nil
}

// CleanupDue reports whether at least interval has passed since the
// last time it returned true, in this or any other process sharing
// the store. A stamp file next to the document records the time.
func (s *Store) CleanupDue(interval time.Duration) (bool, error) {
	stamp := s.path + ".cleanup"
	due := false
	err := s.update(func(*document) (bool, error) {
		fi, err := os.Stat(stamp)
		if err == nil && s.now().Sub(fi.ModTime()) < interval {
			return false, nil
		}
		now := s.now()
		if os.IsNotExist(err) {
			err = os.WriteFile(stamp, nil, 0644)
		}
		if err == nil {
			err = os.Chtimes(stamp, now, now)
		}
		if err != nil {
			return false, errors.Wrap(err, "updating cleanup stamp")
		}
		due = true
		return false, nil
	})
	if err != nil {
		return false, err
	}
	return due, nil
}
