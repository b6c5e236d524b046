// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

var errNoRequests = errors.New("no requests array found")

// salvage extracts whatever complete request records it can find in
// a damaged document: it locates the "requests" array and keeps the
// elements that were fully written, dropping a truncated tail.
func salvage(buf []byte) (document, error) {
	idx := bytes.Index(buf, []byte(`"requests"`))
	if idx < 0 {
		return document{}, errNoRequests
	}
	rest := buf[idx+len(`"requests"`):]
	open := bytes.IndexByte(rest, '[')
	if open < 0 || len(bytes.TrimSpace(bytes.TrimPrefix(bytes.TrimSpace(rest[:open]), []byte(":")))) > 0 {
		return document{}, errNoRequests
	}
	arr := rest[open:]

	// Scan the array, remembering where the last complete
	// top-level element ended.
	depth := 0
	inString, escaped := false, false
	lastComplete := -1
	end := -1
scan:
	for i, b := range arr {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 1 && b == '}' {
				lastComplete = i
			}
			if depth == 0 {
				end = i
				break scan
			}
		}
	}

	var candidate []byte
	if end >= 0 {
		candidate = arr[:end+1]
	} else if lastComplete >= 0 {
		candidate = append(append([]byte{}, arr[:lastComplete+1]...), ']')
	} else {
		return document{}, errNoRequests
	}
	var doc document
	if err := json.Unmarshal(candidate, &doc.Requests); err != nil {
		return document{}, err
	}
	return doc, nil
}
