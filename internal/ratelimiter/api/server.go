// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the public-facing HTTP server for the rate
// limiter. It handles incoming requests, applies the rate-limiting logic
// by interacting with the core tree store, and returns the appropriate
// HTTP responses.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"htb/internal/ratelimiter/core"
	"htb/internal/ratelimiter/telemetry/admission"
	"htb/pkg/htb"
)

// Server handles the HTTP requests for the rate limiter service. It is
// configured with a tree store and the label index for named buckets.
type Server struct {
	store  *core.Store
	labels map[string]htb.Label
}

// NewServer creates and configures a new API server. labels maps the
// policy's bucket names (as configured via flag -policy_file, or the
// built-in sample tree) to their compiled Label, so requests can name a
// bucket by string.
func NewServer(store *core.Store, labels map[string]htb.Label) *Server {
	return &Server{store: store, labels: labels}
}

// RegisterRoutes sets up the HTTP routes for the server on the given
// ServeMux. There is deliberately no /release endpoint: unlike a vector
// accumulator's consume, an HTB Take is not reversible — tokens already
// folded into a bucket's value and then debited cannot be credited back
// without risking a double-spend across concurrent requests.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admit", s.handleAdmit)
	mux.HandleFunc("/peek", s.handlePeek)
	mux.HandleFunc("/status", s.handleStatus)
}

// resolveLabel reads "label" from the query string and resolves it against
// the server's name table. Writes a 400 response and returns ok=false on
// any problem.
func (s *Server) resolveLabel(w http.ResponseWriter, r *http.Request) (htb.Label, bool) {
	name := r.URL.Query().Get("label")
	if name == "" {
		http.Error(w, "label is required", http.StatusBadRequest)
		return 0, false
	}
	label, ok := s.labels[name]
	if !ok {
		http.Error(w, "unknown label", http.StatusBadRequest)
		return 0, false
	}
	return label, true
}

func parseN(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return 1, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// handleAdmit is the main HTTP handler for checking and debiting a
// tenant's rate limit. It is designed to be as fast as possible.
func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	label, ok := s.resolveLabel(w, r)
	if !ok {
		return
	}
	n, err := parseN(r)
	if err != nil {
		http.Error(w, "invalid n", http.StatusBadRequest)
		return
	}

	core.RecordAttempt(1)
	admitted := s.store.Admit(tenant, label, n)
	if admitted {
		core.RecordAdmit(1)
	} else {
		core.RecordReject(1)
	}
	admission.ObserveAdmission(tenant, admitted)

	if !admitted {
		w.Header().Set("X-RateLimit-Status", "Exceeded")
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	w.Header().Set("X-RateLimit-Status", "OK")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handlePeek reports whether a tenant currently has n tokens available at
// label, without consuming them.
func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	label, ok := s.resolveLabel(w, r)
	if !ok {
		return
	}
	n, err := parseN(r)
	if err != nil {
		http.Error(w, "invalid n", http.StatusBadRequest)
		return
	}

	available := s.store.Peek(tenant, label, n)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"available": available})
}

// handleStatus returns the full compiled tree snapshot for a tenant, for
// diagnostics and ops tooling.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	snap := s.store.Status(tenant)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// ListenAndServe starts the HTTP server on the specified address.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}
