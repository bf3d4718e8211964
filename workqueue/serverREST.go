// Copyright © 2026 Genome Research Limited
//
//  This file is part of wmq.
//
//  wmq is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  wmq is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with wmq. If not, see <http://www.gnu.org/licenses/>.

package workqueue

// This file contains the functions for the server to implement a REST API.

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
)

const (
	restPrefix              = "/workqueue/v1/"
	restGetWorkEndpoint     = restPrefix + "getwork"
	restReserveEndpoint     = restPrefix + "reserve"
	restAckEndpoint         = restPrefix + "ack"
	restSynchronizeEndpoint = restPrefix + "synchronize"
	restQueueWorkEndpoint   = restPrefix + "queuework"
	restCancelWorkEndpoint  = restPrefix + "cancelwork"
	restStatusEndpoint      = restPrefix + "status"
	restRequestsEndpoint    = restPrefix + "requests"
	restStatsEndpoint       = restPrefix + "stats"
	metricsEndpoint         = "/metrics"

	restFormTrue     = "true"
	restInboxOnly    = "only"
	restInboxExclude = "exclude"

	// maxBodyBytes bounds the size of request bodies we will decode.
	maxBodyBytes = 32 << 20
)

// ackRequest is the body of an acknowledgement.
type ackRequest struct {
	ChildQueueURL string   `json:"child_queue_url"`
	IDs           []string `json:"ids"`
}

// syncRequest is the body of a Synchronize() call.
type syncRequest struct {
	ChildQueueURL string   `json:"child_queue_url"`
	Reports       []Report `json:"reports"`
}

type queueWorkRequest struct {
	Request string `json:"request"`
	Team    string `json:"team,omitempty"`
}

type queueWorkResponse struct {
	Queued int `json:"queued"`
}

type cancelWorkRequest struct {
	Request string `json:"request"`
}

type cancelWorkResponse struct {
	Canceled int `json:"canceled"`
}

// errorResponse is the body of all our non-2xx responses. Kind lets clients
// turn the error back in to one of our Err* vars.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// errorKinds maps our errors to a kind and an HTTP status, most specific
// first.
var errorKinds = []struct {
	kind   string
	err    error
	status int
}{
	{"spec_validation", ErrSpecValidation, http.StatusBadRequest},
	{"no_child", ErrNoChild, http.StatusBadRequest},
	{"bad_filter", ErrBadFilter, http.StatusBadRequest},
	{"invalid_element", element.ErrValidation, http.StatusBadRequest},
	{"not_owner", ErrNotOwner, http.StatusConflict},
	{"canceled", ErrCanceled, http.StatusConflict},
	{"degraded", ErrDegraded, http.StatusServiceUnavailable},
}

// errorStatus returns the kind and HTTP status for the given error.
func errorStatus(err error) (string, int) {
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind, ek.status
		}
	}
	return "", http.StatusInternalServerError
}

// kindError returns the Err* var of the given kind, or ErrRemote.
func kindError(kind string) error {
	for _, ek := range errorKinds {
		if ek.kind == kind {
			return ek.err
		}
	}
	return ErrRemote
}

// restGetWork lets a child queue reserve and acquire work in one go. It
// POSTs a WorkRequest and gets back the acquired elements. The elements are
// Acquired before the response is written, so a child that never receives it
// holds work it doesn't know about; remote children should use reserve then
// ack, which lets an unacknowledged reservation time out.
func restGetWork(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "So far only POST is supported", http.StatusBadRequest)
			return
		}
		var wr WorkRequest
		if !restDecode(w, r, &wr) {
			return
		}
		es, err := s.q.GetWork(r.Context(), wr)
		if err != nil {
			s.restError(w, "getwork", err)
			return
		}
		restEncode(w, http.StatusOK, nonNilElements(es))
	}
}

// restReserve is the first half of getwork: matched elements become
// Negotiating for the child, which must then acknowledge them.
func restReserve(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "So far only POST is supported", http.StatusBadRequest)
			return
		}
		var wr WorkRequest
		if !restDecode(w, r, &wr) {
			return
		}
		es, err := s.q.Reserve(r.Context(), wr)
		if err != nil {
			s.restError(w, "reserve", err)
			return
		}
		restEncode(w, http.StatusOK, nonNilElements(es))
	}
}

// restAck is the second half of getwork.
func restAck(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "So far only POST is supported", http.StatusBadRequest)
			return
		}
		var ar ackRequest
		if !restDecode(w, r, &ar) {
			return
		}
		result, err := s.q.Acknowledge(r.Context(), ar.ChildQueueURL, ar.IDs)
		if err != nil {
			s.restError(w, "ack", err)
			return
		}
		restEncode(w, http.StatusOK, result)
	}
}

// restSynchronize takes a child's status reports and tells it what was
// accepted and what it should cancel.
func restSynchronize(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			http.Error(w, "So far only PUT and POST are supported", http.StatusBadRequest)
			return
		}
		var sr syncRequest
		if !restDecode(w, r, &sr) {
			return
		}
		result, err := s.q.Synchronize(r.Context(), sr.ChildQueueURL, sr.Reports)
		if err != nil {
			s.restError(w, "synchronize", err)
			return
		}
		restEncode(w, http.StatusOK, result)
	}
}

// restQueueWork splits the named request in to elements.
func restQueueWork(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "So far only POST is supported", http.StatusBadRequest)
			return
		}
		var qr queueWorkRequest
		if !restDecode(w, r, &qr) {
			return
		}
		if qr.Request == "" {
			http.Error(w, "request is required", http.StatusBadRequest)
			return
		}
		n, err := s.q.QueueWork(r.Context(), qr.Request, qr.Team)
		if err != nil {
			s.restError(w, "queuework", err)
			return
		}
		restEncode(w, http.StatusCreated, &queueWorkResponse{Queued: n})
	}
}

// restCancelWork cancels the named request.
func restCancelWork(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			http.Error(w, "So far only PUT and POST are supported", http.StatusBadRequest)
			return
		}
		var cr cancelWorkRequest
		if !restDecode(w, r, &cr) {
			return
		}
		if cr.Request == "" {
			http.Error(w, "request is required", http.StatusBadRequest)
			return
		}
		n, err := s.q.CancelWork(r.Context(), cr.Request)
		if err != nil {
			s.restError(w, "cancelwork", err)
			return
		}
		restEncode(w, http.StatusOK, &cancelWorkResponse{Canceled: n})
	}
}

// restStatus returns the elements matching the query parameters; see
// filterToQuery().
func restStatus(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "So far only GET is supported", http.StatusBadRequest)
			return
		}
		err := r.ParseForm()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, expr, err := queryToFilter(r.Form)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		es, err := s.q.Status(r.Context(), f, expr)
		if err != nil {
			s.restError(w, "status", err)
			return
		}
		restEncode(w, http.StatusOK, nonNilElements(es))
	}
}

// restRequests returns our request records.
func restRequests(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "So far only GET is supported", http.StatusBadRequest)
			return
		}
		requests, err := s.q.Requests(r.Context())
		if err != nil {
			s.restError(w, "requests", err)
			return
		}
		if requests == nil {
			requests = []*backend.Request{}
		}
		restEncode(w, http.StatusOK, requests)
	}
}

// restStats returns our Stats.
func restStats(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "So far only GET is supported", http.StatusBadRequest)
			return
		}
		stats, err := s.q.Stats(r.Context())
		if err != nil {
			s.restError(w, "stats", err)
			return
		}
		restEncode(w, http.StatusOK, stats)
	}
}

// restDecode decodes the JSON body of r in to v, writing a 400 and returning
// false if it can't.
func restDecode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	err := decoder.Decode(v)
	if err != nil {
		http.Error(w, "could not decode body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// restEncode writes v as JSON with the given status.
func restEncode(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	encoder.Encode(v) //nolint:errcheck
}

// restError writes err as an errorResponse, with a status depending on what
// kind of error it is.
func (s *Server) restError(w http.ResponseWriter, endpoint string, err error) {
	kind, status := errorStatus(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		s.Error("REST request failed", "endpoint", endpoint, "err", err)
	} else {
		s.Debug("REST request rejected", "endpoint", endpoint, "err", err)
	}
	restEncode(w, status, &errorResponse{Error: err.Error(), Kind: kind})
}

func nonNilElements(es []*element.Element) []*element.Element {
	if es == nil {
		return []*element.Element{}
	}
	return es
}

// filterToQuery converts a Filter and CEL expression to the query parameters
// understood by the status endpoint: request, team, site, child, parent,
// status (comma separated), inbox ("only" or "exclude"), quarantined ("true")
// and filter. Time bounds are not supported.
func filterToQuery(f backend.Filter, expr string) url.Values {
	v := url.Values{}
	set := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	set("request", f.RequestName)
	set("team", f.Team)
	set("site", f.Site)
	set("child", f.ChildQueueURL)
	set("parent", f.ParentQueueID)
	set("filter", expr)

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		v.Set("status", strings.Join(statuses, ","))
	}

	switch f.Inbox {
	case backend.InboxOnly:
		v.Set("inbox", restInboxOnly)
	case backend.InboxExcluded:
		v.Set("inbox", restInboxExclude)
	case backend.InboxAny:
	}

	if f.IncludeQuarantined {
		v.Set("quarantined", restFormTrue)
	}
	return v
}

// queryToFilter is the reverse of filterToQuery().
func queryToFilter(v url.Values) (backend.Filter, string, error) {
	f := backend.Filter{
		RequestName:   v.Get("request"),
		Team:          v.Get("team"),
		Site:          v.Get("site"),
		ChildQueueURL: v.Get("child"),
		ParentQueueID: v.Get("parent"),
	}

	if statuses := v.Get("status"); statuses != "" {
		for _, st := range strings.Split(statuses, ",") {
			status := element.Status(strings.TrimSpace(st))
			if !status.Valid() {
				return f, "", Error{Op: "status", Item: st, Err: errBadStatusParam}
			}
			f.Statuses = append(f.Statuses, status)
		}
	}

	switch v.Get("inbox") {
	case restInboxOnly:
		f.Inbox = backend.InboxOnly
	case restInboxExclude:
		f.Inbox = backend.InboxExcluded
	case "":
	default:
		return f, "", Error{Op: "status", Item: v.Get("inbox"), Err: errBadInboxParam}
	}

	if q := v.Get("quarantined"); q != "" {
		include, err := strconv.ParseBool(q)
		if err != nil {
			return f, "", Error{Op: "status", Item: q, Err: err}
		}
		f.IncludeQuarantined = include
	}

	return f, v.Get("filter"), nil
}

var (
	errBadInboxParam  = errors.New(`inbox must be "only" or "exclude"`)
	errBadStatusParam = errors.New("not a known element status")
)
