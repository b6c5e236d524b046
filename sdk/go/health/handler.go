// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves health-check endpoints for long-running
// awsprov processes.
package health

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to health-check requests
// with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// It is meant to be mounted on an httprouter route with a ":check"
// parameter, e.g., "/_health/:check".
type Handler struct {
	// Authentication token. If empty, requests are not
	// authenticated.
	Token string

	// Map of check names to health-check Func. If "ping" is not
	// listed here, it always returns a "healthy" response.
	Routes Routes

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was successfully
	// authenticated and served, even if the health check itself
	// failed.
	Log func(*http.Request, error)
}

var (
	healthyBody     = []byte(`{"health":"OK"}` + "\n")
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var err error
	defer func() {
		if h.Log != nil {
			h.Log(r, err)
		}
	}()
	name := httprouter.ParamsFromContext(r.Context()).ByName("check")
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func() error { return nil }, true
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		err = errNotFound
		return
	}
	if h.Token != "" {
		if ah := r.Header.Get("Authorization"); ah == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			err = errUnauthorized
			return
		} else if ah != "Bearer "+h.Token {
			http.Error(w, "authorization error", http.StatusForbidden)
			err = errForbidden
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if checkErr := fn(); checkErr == nil {
		w.Write(healthyBody)
	} else {
		err = json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  checkErr.Error(),
		})
	}
}
