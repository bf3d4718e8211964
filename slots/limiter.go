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

package slots

// This file contains the implementation of the main struct in the slots
// package, the Limiter.

import (
	"github.com/dmwm/workqueue/element"
	sync "github.com/sasha-s/go-deadlock"
)

// LimitCallback is provided to New(). Your function should take the name of a
// site and return its job slot threshold. If the site isn't known, return -1.
type LimitCallback func(site string) int

// site describes the slot usage of an individual site.
type site struct {
	name    string
	limit   int
	current int
}

func (s *site) capacity() int {
	if s.current >= s.limit {
		return 0
	}
	return s.limit - s.current
}

// Limiter keeps track of how many job slots are in use at each site, against
// a per-site threshold. It can be used concurrently.
type Limiter struct {
	cb    LimitCallback
	sites map[string]*site
	mu    sync.Mutex
}

// New creates a new Limiter. cb may be nil, in which case only sites given to
// SetLimit() are known.
func New(cb LimitCallback) *Limiter {
	if cb == nil {
		cb = func(string) int { return -1 }
	}
	return &Limiter{
		cb:    cb,
		sites: make(map[string]*site),
	}
}

// NewFromThresholds creates a Limiter knowing about the given sites and their
// thresholds.
func NewFromThresholds(thresholds map[string]int) *Limiter {
	l := New(nil)
	for name, limit := range thresholds {
		l.SetLimit(name, limit)
	}
	return l
}

// SetLimit creates or updates a site with the given threshold.
func (l *Limiter) SetLimit(name string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit < 0 {
		limit = 0
	}

	if s, set := l.sites[name]; set {
		s.limit = limit
	} else {
		l.sites[name] = &site{name: name, limit: limit}
	}
}

// GetLimit tells you the threshold of the given site, or -1 if the site isn't
// known.
func (l *Limiter) GetLimit(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.vivifySite(name)
	if s == nil {
		return -1
	}
	return s.limit
}

// GetLimits tells you the thresholds of all currently known sites.
func (l *Limiter) GetLimits() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limits := make(map[string]int, len(l.sites))
	for name, s := range l.sites {
		limits[name] = s.limit
	}
	return limits
}

// RemoveLimit forgets the given site.
func (l *Limiter) RemoveLimit(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sites, name)
}

// Acquire uses amount slots at the given site, if that wouldn't take it over
// its threshold. Returns true if the slots were taken. Unknown sites can't be
// acquired from.
func (l *Limiter) Acquire(name string, amount int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.vivifySite(name)
	if s == nil || amount > s.capacity() {
		return false
	}
	s.current += amount
	return true
}

// Release frees amount slots at the given site, down to 0 in use.
func (l *Limiter) Release(name string, amount int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, exists := l.sites[name]; exists {
		s.current -= amount
		if s.current < 0 {
			s.current = 0
		}
	}
}

// SetUsage replaces the in-use counts of every known site with the given
// counts; sites not mentioned become unused.
func (l *Limiter) SetUsage(usage map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, s := range l.sites {
		s.current = usage[name]
		if s.current < 0 {
			s.current = 0
		}
	}
}

// GetRemainingCapacity tells you how many slots are free at the given site,
// or -1 if the site isn't known.
func (l *Limiter) GetRemainingCapacity(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.vivifySite(name)
	if s == nil {
		return -1
	}
	return s.capacity()
}

// Offer returns the free slots of every known site.
func (l *Limiter) Offer() element.Offer {
	l.mu.Lock()
	defer l.mu.Unlock()

	offer := make(element.Offer, len(l.sites))
	for name, s := range l.sites {
		offer[name] = s.capacity()
	}
	return offer
}

// vivifySite either returns a stored site or creates a new one based on the
// results of calling the LimitCallback. You must have the mu.Lock() before
// calling this. Returns nil if the callback doesn't know about this site.
func (l *Limiter) vivifySite(name string) *site {
	s, exists := l.sites[name]
	if !exists {
		if limit := l.cb(name); limit >= 0 {
			s = &site{name: name, limit: limit}
			l.sites[name] = s
		}
	}
	return s
}
