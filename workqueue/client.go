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

// This file contains the client for talking to a remote queue's REST API.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/element"
)

// defaultClientTimeout is used if NewClient() is given a timeout of 0.
const defaultClientTimeout = 60 * time.Second

// Client talks to a queue served by Serve(). It implements Parent, so a Local
// can pull from a remote global queue.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client for the queue at the given base URL (eg.
// "http://host:port"). Every call fails if it takes longer than timeout; a
// timed out call changes nothing on our side, and should be retried later.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Reserve asks the remote queue to reserve work for a child.
func (c *Client) Reserve(ctx context.Context, wr WorkRequest) ([]*element.Element, error) {
	var es []*element.Element
	err := c.do(ctx, http.MethodPost, restReserveEndpoint, nil, wr, &es)
	return es, err
}

// Acknowledge tells the remote queue which reserved elements we took.
func (c *Client) Acknowledge(ctx context.Context, child string, ids []string) (*AckResult, error) {
	result := &AckResult{}
	err := c.do(ctx, http.MethodPost, restAckEndpoint, nil, &ackRequest{ChildQueueURL: child, IDs: ids}, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Synchronize sends status reports on the elements we hold to the remote
// queue.
func (c *Client) Synchronize(ctx context.Context, child string, reports []Report) (*SyncResult, error) {
	result := &SyncResult{}
	err := c.do(ctx, http.MethodPut, restSynchronizeEndpoint, nil, &syncRequest{ChildQueueURL: child, Reports: reports}, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetWork reserves and acquires work in one call. If the response is lost the
// elements stay Acquired by the child without it knowing, and nothing returns
// them to Available; children that can't tolerate that should Reserve() and
// then Acknowledge() instead, as Local does.
func (c *Client) GetWork(ctx context.Context, wr WorkRequest) ([]*element.Element, error) {
	var es []*element.Element
	err := c.do(ctx, http.MethodPost, restGetWorkEndpoint, nil, wr, &es)
	return es, err
}

// QueueWork asks the remote queue to split the named request. Returns the
// number of elements queued.
func (c *Client) QueueWork(ctx context.Context, requestName, team string) (int, error) {
	resp := &queueWorkResponse{}
	err := c.do(ctx, http.MethodPost, restQueueWorkEndpoint, nil, &queueWorkRequest{Request: requestName, Team: team}, resp)
	return resp.Queued, err
}

// CancelWork asks the remote queue to cancel the named request. Returns the
// number of elements canceled or asked to cancel.
func (c *Client) CancelWork(ctx context.Context, requestName string) (int, error) {
	resp := &cancelWorkResponse{}
	err := c.do(ctx, http.MethodPut, restCancelWorkEndpoint, nil, &cancelWorkRequest{Request: requestName}, resp)
	return resp.Canceled, err
}

// Status returns the remote queue's elements that match the filter and CEL
// expression. The filter's time bounds are ignored.
func (c *Client) Status(ctx context.Context, f backend.Filter, expr string) ([]*element.Element, error) {
	var es []*element.Element
	err := c.do(ctx, http.MethodGet, restStatusEndpoint, filterToQuery(f, expr), nil, &es)
	return es, err
}

// Requests returns the remote queue's request records.
func (c *Client) Requests(ctx context.Context) ([]*backend.Request, error) {
	var requests []*backend.Request
	err := c.do(ctx, http.MethodGet, restRequestsEndpoint, nil, nil, &requests)
	return requests, err
}

// Stats returns the remote queue's Stats.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := c.do(ctx, http.MethodGet, restStatsEndpoint, nil, nil, stats)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// do sends in (if not nil) as JSON to the endpoint and decodes the response in
// to out. Error responses are turned back in to our Err* vars where possible.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, in, out interface{}) error {
	target := c.base + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return Error{Op: endpoint, Item: c.base, Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Error{Op: endpoint, Item: c.base, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Error{Op: endpoint, Item: c.base, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Error{Op: endpoint, Item: c.base, Err: responseError(resp)}
	}

	if out == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return Error{Op: endpoint, Item: c.base, Err: err}
	}
	return nil
}

// responseError converts a non-2xx response in to an error wrapping the Err*
// var its kind names, or ErrRemote.
func responseError(resp *http.Response) error {
	content, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRemote, resp.Status)
	}

	er := &errorResponse{}
	if json.Unmarshal(content, er) == nil && er.Error != "" {
		sentinel := kindError(er.Kind)
		if sentinel == ErrRemote {
			return fmt.Errorf("%w: %s", ErrRemote, er.Error)
		}
		return fmt.Errorf("%w: %w: %s", ErrRemote, sentinel, er.Error)
	}

	return fmt.Errorf("%w: %s: %s", ErrRemote, resp.Status, strings.TrimSpace(string(content)))
}
