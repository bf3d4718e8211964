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

// This file contains the implementation of the main struct in the workqueue
// package, the WorkQueue, along with its backend retry logic and health
// tracking.

import (
	"context"
	"fmt"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/dmwm/workqueue/backend"
	"github.com/dmwm/workqueue/catalog"
	"github.com/dmwm/workqueue/element"
	"github.com/dmwm/workqueue/matcher"
	"github.com/dmwm/workqueue/reqmgr"
	"github.com/dmwm/workqueue/wmspec"
	"github.com/grafov/bcast"
	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
	sync "github.com/sasha-s/go-deadlock"
)

const (
	defaultNegotiationTimeout = 10 * time.Minute
	defaultRetention          = 7 * 24 * time.Hour
	defaultBackoffMin         = 100 * time.Millisecond
	defaultBackoffMax         = 10 * time.Second
	defaultBackendRetries     = 5

	// conflictRereads is how many times a report that lost a
	// compare-and-swap is re-decided against freshly read state.
	conflictRereads = 3
)

// Config tells New() how to make a WorkQueue. Backend is required; the other
// collaborators are only needed by the operations that use them: Specs and
// Catalog for QueueWork(), Sink for request notification.
type Config struct {
	Backend backend.Backend
	Specs   wmspec.Provider
	Catalog catalog.Catalog
	Sink    reqmgr.Sink

	// Ager adjusts priorities by age when matching; nil means no aging.
	Ager matcher.Ager

	// Logger receives our log messages; nil discards them.
	Logger log15.Logger

	// URL identifies this queue to its parent, and is set as the
	// ChildQueueURL of work it pulls.
	URL string

	// Local is true for a queue that pulls work from a parent.
	Local bool

	JobsPerElement     int
	NegotiationTimeout time.Duration
	Retention          time.Duration

	// Transient backend errors are retried BackendRetries times (0 for the
	// default, negative for never) with exponential backoff between
	// BackoffMin and BackoffMax.
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	BackendRetries int

	// Clock is used in place of time.Now when set.
	Clock func() time.Time
}

// Transition describes an element changing status. WorkQueue broadcasts these
// to anyone who has called Transitions().
type Transition struct {
	ID            string         `json:"id"`
	RequestName   string         `json:"request_name"`
	TaskName      string         `json:"task_name"`
	From          element.Status `json:"from"`
	To            element.Status `json:"to"`
	Site          string         `json:"site,omitempty"`
	ChildQueueURL string         `json:"child_queue_url,omitempty"`
	Time          time.Time      `json:"time"`

	// Seq numbers the transitions of a WorkQueue in the order they happened.
	Seq uint64 `json:"seq"`
}

// Stats summarises the state of a WorkQueue.
type Stats struct {
	Counts       map[element.Status]int `json:"counts"`
	Quarantined  int                    `json:"quarantined"`
	Requests     int                    `json:"requests"`
	Degraded     bool                   `json:"degraded"`
	LastError    string                 `json:"last_error,omitempty"`
	CycleSeconds float64                `json:"cycle_seconds"`
	Local        bool                   `json:"local"`
}

// WorkQueue is the scheduler: it splits requests in to elements, hands
// elements to child queues, applies their status reports and keeps itself
// tidy. All state lives in its Backend, so any number of WorkQueues may share
// one.
type WorkQueue struct {
	log15.Logger
	backend            backend.Backend
	specs              wmspec.Provider
	catalog            catalog.Catalog
	sink               reqmgr.Sink
	ager               matcher.Ager
	url                string
	local              bool
	jobsPerElement     int
	negotiationTimeout time.Duration
	retention          time.Duration
	backoffMin         time.Duration
	backoffMax         time.Duration
	retries            int
	clock              func() time.Time
	transitionCaster   *bcast.Group
	seq                uint64
	seqMutex           sync.Mutex
	cycleTimes         ewma.MovingAverage
	degraded           bool
	lastErr            error
	closed             bool
	mutex              sync.RWMutex
}

// New makes a WorkQueue from the given config. Call Close() when you're done
// with it.
func New(config Config) (*WorkQueue, error) {
	if config.Backend == nil {
		return nil, Error{Op: "New", Item: config.URL, Err: fmt.Errorf("no backend supplied")}
	}

	var logger log15.Logger
	if config.Logger == nil {
		logger = log15.New()
		logger.SetHandler(log15.DiscardHandler())
	} else {
		logger = config.Logger.New()
	}
	role := "global"
	if config.Local {
		role = "local"
	}

	q := &WorkQueue{
		Logger:             logger.New("queue", role),
		backend:            config.Backend,
		specs:              config.Specs,
		catalog:            config.Catalog,
		sink:               config.Sink,
		ager:               config.Ager,
		url:                config.URL,
		local:              config.Local,
		jobsPerElement:     config.JobsPerElement,
		negotiationTimeout: config.NegotiationTimeout,
		retention:          config.Retention,
		backoffMin:         config.BackoffMin,
		backoffMax:         config.BackoffMax,
		retries:            config.BackendRetries,
		clock:              config.Clock,
		transitionCaster:   bcast.NewGroup(),
		cycleTimes:         ewma.NewMovingAverage(),
	}

	if q.ager == nil {
		q.ager = matcher.LinearAging{}
	}
	if q.jobsPerElement < 1 {
		q.jobsPerElement = 1
	}
	if q.negotiationTimeout <= 0 {
		q.negotiationTimeout = defaultNegotiationTimeout
	}
	if q.retention <= 0 {
		q.retention = defaultRetention
	}
	if q.backoffMin <= 0 {
		q.backoffMin = defaultBackoffMin
	}
	if q.backoffMax < q.backoffMin {
		q.backoffMax = defaultBackoffMax
		if q.backoffMax < q.backoffMin {
			q.backoffMax = q.backoffMin
		}
	}
	switch {
	case q.retries < 0:
		q.retries = 0
	case q.retries == 0:
		q.retries = defaultBackendRetries
	}
	if q.clock == nil {
		q.clock = time.Now
	}

	go q.transitionCaster.Broadcasting(0)

	registerMetrics()

	return q, nil
}

// URL returns the URL this queue was configured with.
func (q *WorkQueue) URL() string {
	return q.url
}

// Backend returns the backend this queue stores its elements in.
func (q *WorkQueue) Backend() backend.Backend {
	return q.backend
}

// Close stops broadcasting transitions. It does not close the Backend.
func (q *WorkQueue) Close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.transitionCaster.Close()
}

// now returns the current time according to our clock.
func (q *WorkQueue) now() time.Time {
	return q.clock()
}

// retry calls f until it succeeds, returns a non-transient error, or has
// failed transiently more than our configured number of retries, in which
// case we become degraded and an error wrapping ErrDegraded is returned.
func (q *WorkQueue) retry(ctx context.Context, op, item string, f func() error) error {
	b := &backoff.Backoff{
		Min:    q.backoffMin,
		Max:    q.backoffMax,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = f()
		if err == nil {
			q.healthy()
			return nil
		}
		if !backend.IsTransient(err) {
			return err
		}
		if attempt >= q.retries {
			break
		}

		wait := b.Duration()
		q.Debug("backend unavailable, will retry", "op", op, "item", item, "attempt", attempt+1, "wait", wait, "err", err)
		backendRetries.WithLabelValues(op).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	q.degrade(err)
	q.Warn("backend unavailable, giving up", "op", op, "item", item, "err", err)
	return Error{Op: op, Item: item, Err: fmt.Errorf("%w: %w", ErrDegraded, err)}
}

func (q *WorkQueue) healthy() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.degraded {
		q.Info("backend available again")
		backendDegraded.Set(0)
	}
	q.degraded = false
}

func (q *WorkQueue) degrade(err error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.degraded = true
	q.lastErr = err
	backendDegraded.Set(1)
}

// Degraded tells you if the backend could not be reached the last time we
// tried, even after retrying.
func (q *WorkQueue) Degraded() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	return q.degraded
}

// recordCycle notes how long one run of a periodic task took, and what error
// it ended with, if any.
func (q *WorkQueue) recordCycle(task string, started time.Time, err error) {
	took := time.Since(started)
	cycleDuration.WithLabelValues(task).Observe(took.Seconds())

	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.cycleTimes.Add(took.Seconds())
	if err != nil {
		q.lastErr = err
	}
}

// get reads one element, retrying transient failures.
func (q *WorkQueue) get(ctx context.Context, op, id string) (*element.Element, error) {
	var e *element.Element
	err := q.retry(ctx, op, id, func() error {
		var errg error
		e, errg = q.backend.Get(ctx, id)
		return errg
	})
	return e, err
}

// collect reads every element matching the filter, retrying transient
// failures from the start.
func (q *WorkQueue) collect(ctx context.Context, op string, f backend.Filter) ([]*element.Element, error) {
	var es []*element.Element
	err := q.retry(ctx, op, "", func() error {
		var errc error
		es, errc = backend.Collect(q.backend.Query(ctx, f))
		return errc
	})
	return es, err
}

// update does a compare-and-swap of one element, retrying transient failures,
// and broadcasts the transition if the status changed.
func (q *WorkQueue) update(ctx context.Context, op, id string, expected, status element.Status, mutate func(*element.Element) error) (*element.Element, error) {
	var e *element.Element
	err := q.retry(ctx, op, id, func() error {
		var erru error
		e, erru = q.backend.UpdateStatus(ctx, id, expected, status, mutate)
		return erru
	})
	if err != nil {
		return nil, err
	}
	if expected != status {
		q.transitioned(e, expected)
	}
	return e, nil
}

// transitioned logs, counts and broadcasts an element having moved from the
// given status to its current one.
func (q *WorkQueue) transitioned(e *element.Element, from element.Status) {
	q.Debug("element transitioned", "id", e.ID, "request", e.RequestName, "from", from, "to", e.Status)
	transitionsTotal.WithLabelValues(string(from), string(e.Status)).Inc()

	q.mutex.RLock()
	defer q.mutex.RUnlock()
	if q.closed {
		return
	}
	q.seqMutex.Lock()
	defer q.seqMutex.Unlock()
	q.seq++
	q.transitionCaster.Send(&Transition{
		Seq:           q.seq,
		ID:            e.ID,
		RequestName:   e.RequestName,
		TaskName:      e.TaskName,
		From:          from,
		To:            e.Status,
		Site:          e.Site,
		ChildQueueURL: e.ChildQueueURL,
		Time:          e.UpdateTime,
	})
}

// getRequest reads a request record, returning nil without error if there
// isn't one.
func (q *WorkQueue) getRequest(ctx context.Context, op, name string) (*backend.Request, error) {
	var r *backend.Request
	err := q.retry(ctx, op, name, func() error {
		var errg error
		r, errg = q.backend.GetRequest(ctx, name)
		return errg
	})
	if backend.IsNotFound(err) {
		return nil, nil
	}
	return r, err
}

// putRequest stores a request record.
func (q *WorkQueue) putRequest(ctx context.Context, op string, r *backend.Request) error {
	r.UpdateTime = q.now()
	if r.InsertTime.IsZero() {
		r.InsertTime = r.UpdateTime
	}
	return q.retry(ctx, op, r.Name, func() error {
		return q.backend.PutRequest(ctx, r)
	})
}

// Stats returns counts of our elements by status, along with our health.
func (q *WorkQueue) Stats(ctx context.Context) (*Stats, error) {
	es, err := q.collect(ctx, "Stats", backend.Filter{IncludeQuarantined: true})
	if err != nil {
		return nil, err
	}
	var requests []*backend.Request
	err = q.retry(ctx, "Stats", "", func() error {
		var errr error
		requests, errr = q.backend.Requests(ctx)
		return errr
	})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Counts:   make(map[element.Status]int),
		Requests: len(requests),
		Local:    q.local,
	}
	for _, e := range es {
		stats.Counts[e.Status]++
		if e.Quarantined {
			stats.Quarantined++
		}
	}
	for _, s := range element.AllStatuses {
		elementsByStatus.WithLabelValues(string(s)).Set(float64(stats.Counts[s]))
	}

	q.mutex.RLock()
	defer q.mutex.RUnlock()
	stats.Degraded = q.degraded
	if q.lastErr != nil {
		stats.LastError = q.lastErr.Error()
	}
	stats.CycleSeconds = q.cycleTimes.Value()
	return stats, nil
}
