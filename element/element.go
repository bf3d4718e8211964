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

package element

// This file contains the implementation of the main struct in the element
// package, the Element.

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgryski/go-farm"
)

// Input identifies a slice of a dataset that an Element processes. For Monte
// Carlo work Dataset and Block are empty and only the event range is set.
type Input struct {
	Dataset    string `json:"dataset,omitempty"`
	Block      string `json:"block,omitempty"`
	Run        int    `json:"run,omitempty"`
	FirstFile  int    `json:"first_file"`
	NumFiles   int    `json:"num_files"`
	FirstEvent int    `json:"first_event"`
	NumEvents  int    `json:"num_events"`
}

func (i Input) key() string {
	return strings.Join([]string{
		i.Dataset, i.Block, strconv.Itoa(i.Run),
		strconv.Itoa(i.FirstFile), strconv.Itoa(i.NumFiles),
		strconv.Itoa(i.FirstEvent), strconv.Itoa(i.NumEvents),
	}, "|")
}

// Element is the atomic unit of schedulable work. Elements are created by
// splitting policies, stored by a backend, and moved through their lifecycle by
// the work queue engine.
type Element struct {
	ID               string         `json:"id"`
	RequestName      string         `json:"request_name"`
	TaskName         string         `json:"task_name"`
	Team             string         `json:"team,omitempty"`
	Status           Status         `json:"status"`
	Priority         int            `json:"priority"`
	NumberOfFiles    int            `json:"files"`
	NumberOfEvents   int            `json:"events"`
	NumberOfLumis    int            `json:"lumis"`
	Jobs             int            `json:"jobs"`
	ParentQueueID    string         `json:"parent_queue_id,omitempty"`
	ChildQueueURL    string         `json:"child_queue_url,omitempty"`
	Site             string         `json:"site,omitempty"`
	SiteWhitelist    []string       `json:"site_whitelist,omitempty"`
	SiteBlacklist    []string       `json:"site_blacklist,omitempty"`
	Locations        []string       `json:"locations,omitempty"`
	Inputs           []Input        `json:"inputs"`
	StartPolicy      string         `json:"start_policy,omitempty"`
	SplitPolicyArgs  map[string]int `json:"split_policy_args,omitempty"`
	Inbox            bool           `json:"inbox,omitempty"`
	Version          int64          `json:"version"`
	InsertTime       time.Time      `json:"insert_time"`
	UpdateTime       time.Time      `json:"update_time"`
	NegotiationStart time.Time      `json:"negotiation_start,omitempty"`
	PercentComplete  int            `json:"percent_complete"`
	JobsDone         int            `json:"jobs_done"`
	JobsFailed       int            `json:"jobs_failed"`
	Quarantined      bool           `json:"quarantined,omitempty"`
	QuarantineReason string         `json:"quarantine_reason,omitempty"`
	ReportedStatus   Status         `json:"reported_status,omitempty"`
}

// New validates the given fields and returns a new Element based on them. The
// Status defaults to Available. Returns an error wrapping ErrValidation if a
// required field is missing or a numeric field is negative.
func New(fields Element) (*Element, error) {
	e := fields.Clone()
	if e.Status == "" {
		e.Status = Available
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks that our required fields are set and our numeric fields are
// not negative.
func (e *Element) Validate() error {
	item := e.ID
	if item == "" {
		item = e.RequestName + "/" + e.TaskName
	}
	invalid := func(detail string, a ...interface{}) error {
		return Error{Op: "Validate", Item: item, Err: ErrValidation, Detail: fmt.Sprintf(detail, a...)}
	}

	switch {
	case e.RequestName == "":
		return invalid("RequestName missing")
	case e.TaskName == "":
		return invalid("TaskName missing")
	case len(e.Inputs) == 0:
		return invalid("no Inputs")
	case e.Jobs <= 0:
		return invalid("Jobs estimate must be positive, not %d", e.Jobs)
	case e.NumberOfFiles < 0, e.NumberOfEvents < 0, e.NumberOfLumis < 0:
		return invalid("size metrics can't be negative")
	case e.PercentComplete < 0, e.JobsDone < 0, e.JobsFailed < 0:
		return invalid("progress metrics can't be negative")
	case !e.Status.Valid():
		return invalid("unknown status %q", e.Status)
	}

	for _, in := range e.Inputs {
		if in.FirstFile < 0 || in.NumFiles < 0 || in.FirstEvent < 0 || in.NumEvents < 0 || in.Run < 0 {
			return invalid("input %s has a negative range", in.key())
		}
	}

	return nil
}

// Clone returns a deep copy of the element.
func (e *Element) Clone() *Element {
	c := *e
	c.SiteWhitelist = cloneStrings(e.SiteWhitelist)
	c.SiteBlacklist = cloneStrings(e.SiteBlacklist)
	c.Locations = cloneStrings(e.Locations)
	if e.Inputs != nil {
		c.Inputs = make([]Input, len(e.Inputs))
		copy(c.Inputs, e.Inputs)
	}
	if e.SplitPolicyArgs != nil {
		c.SplitPolicyArgs = make(map[string]int, len(e.SplitPolicyArgs))
		for k, v := range e.SplitPolicyArgs {
			c.SplitPolicyArgs[k] = v
		}
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}

// RequiredSlots is the number of job slots a site must have free for this
// element to be matched to it.
func (e *Element) RequiredSlots() int {
	if e.Jobs < 1 {
		return 1
	}
	return e.Jobs
}

// Fingerprint returns the natural key of the element: a hash of its request,
// task and inputs. Inbox elements get a different key to the local elements
// split from them.
func (e *Element) Fingerprint() string {
	keys := make([]string, len(e.Inputs))
	for i, in := range e.Inputs {
		keys[i] = in.key()
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(e.RequestName)
	b.WriteByte(0)
	b.WriteString(e.TaskName)
	b.WriteByte(0)
	if e.Inbox {
		b.WriteString("inbox")
	}
	for _, key := range keys {
		b.WriteByte(0)
		b.WriteString(key)
	}

	l, h := farm.Hash128([]byte(b.String()))
	return fmt.Sprintf("%016x%016x", l, h)
}

// CheckImmutable returns an error wrapping ErrImmutable if after differs from
// before in its site lists while before was no longer Available.
func CheckImmutable(before, after *Element) error {
	if before.Status == Available {
		return nil
	}
	if !sameStrings(before.SiteWhitelist, after.SiteWhitelist) || !sameStrings(before.SiteBlacklist, after.SiteBlacklist) {
		return Error{Op: "CheckImmutable", Item: before.ID, Err: ErrImmutable}
	}
	return nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Archivable tells you if the element is terminal, was last updated before the
// cutoff, and (for inbox elements) has had its final status reported to its
// parent.
func (e *Element) Archivable(cutoff time.Time) bool {
	if !e.Status.IsTerminal() || !e.UpdateTime.Before(cutoff) {
		return false
	}
	if e.Inbox && e.ReportedStatus != e.Status {
		return false
	}
	return true
}

// Age is how long ago the element was inserted.
func (e *Element) Age(now time.Time) time.Duration {
	if e.InsertTime.IsZero() {
		return 0
	}
	return now.Sub(e.InsertTime)
}
