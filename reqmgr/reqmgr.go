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

// Package reqmgr tells the request manager when a request has finished.
package reqmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmwm/workqueue/element"
	"github.com/inconshreveable/log15"
)

// Sink is notified, once, when every element of a request has reached a
// terminal status.
type Sink interface {
	RequestTerminal(ctx context.Context, request string, status element.Status) error
}

// Notification is the JSON body an HTTPSink PUTs.
type Notification struct {
	Request string         `json:"request"`
	Status  element.Status `json:"status"`
}

// HTTPSink PUTs a Notification to <base>/<request>.
type HTTPSink struct {
	base   string
	client *http.Client
}

// NewHTTPSink returns an HTTPSink for the given base URL, with requests
// limited to the given timeout.
func NewHTTPSink(base string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{base: strings.TrimSuffix(base, "/"), client: &http.Client{Timeout: timeout}}
}

// RequestTerminal implements Sink.
func (h *HTTPSink) RequestTerminal(ctx context.Context, request string, status element.Status) error {
	body, err := json.Marshal(Notification{Request: request, Status: status})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.base+"/"+url.PathEscape(request), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("reqmgr RequestTerminal(%s): %w", request, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("reqmgr RequestTerminal(%s): status %s", request, resp.Status)
	}
	return nil
}

// LogSink just logs notifications, for queues with no request manager.
type LogSink struct {
	Logger log15.Logger
}

// RequestTerminal implements Sink.
func (l LogSink) RequestTerminal(ctx context.Context, request string, status element.Status) error {
	logger := l.Logger
	if logger == nil {
		logger = log15.New()
		logger.SetHandler(log15.DiscardHandler())
	}
	logger.Info("request finished", "request", request, "status", status)
	return nil
}

// New returns an HTTPSink if base is set, otherwise a LogSink.
func New(base string, timeout time.Duration, logger log15.Logger) Sink {
	if base == "" {
		return LogSink{Logger: logger}
	}
	return NewHTTPSink(base, timeout)
}
