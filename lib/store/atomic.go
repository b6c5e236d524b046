// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeAtomic replaces path with buf. The data is written to a temp
// file in the same directory, synced, and renamed over path, so
// readers see either the old content or the new content.
func writeAtomic(path string, buf []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err = tmp.Write(buf); err != nil {
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp.Name(), path, err)
	}
	// Persist the rename. Not all filesystems support syncing a
	// directory, so errors are ignored.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// backup copies the current content of path to backupPath, but only
// if it parses, so a corrupt primary never overwrites a good backup.
func backup(path, backupPath string) error {
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) || len(buf) == 0 {
		return nil
	} else if err != nil {
		return err
	}
	var doc document
	if json.Unmarshal(buf, &doc) != nil {
		return nil
	}
	return writeAtomic(backupPath, buf)
}

// restore copies backupPath over path.
func restore(path, backupPath string) error {
	buf, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	return writeAtomic(path, buf)
}
