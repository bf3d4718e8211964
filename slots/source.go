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

// This file contains the sources of resource offers.

import (
	"context"

	"github.com/dmwm/workqueue/element"
)

// Source says how many job slots are currently free at each site.
type Source interface {
	Offer(ctx context.Context) (element.Offer, error)
}

// Static is a Source that always offers the same slots.
type Static element.Offer

// Offer implements Source.
func (s Static) Offer(ctx context.Context) (element.Offer, error) {
	return element.Offer(s).Copy(), nil
}

// UsageFunc returns how many job slots are in use at each site.
type UsageFunc func(ctx context.Context) (map[string]int, error)

// Thresholds is a Source offering, per site, the site's threshold minus the
// slots currently in use there, as reported afresh by a UsageFunc on every
// call.
type Thresholds struct {
	limiter *Limiter
	usage   UsageFunc
}

// NewThresholds returns a Thresholds Source. usage may be nil, in which case
// the limiter's own Acquire()d counts are used.
func NewThresholds(limiter *Limiter, usage UsageFunc) *Thresholds {
	return &Thresholds{limiter: limiter, usage: usage}
}

// Limiter returns the Limiter holding our thresholds, so they can be altered.
func (t *Thresholds) Limiter() *Limiter {
	return t.limiter
}

// Offer implements Source.
func (t *Thresholds) Offer(ctx context.Context) (element.Offer, error) {
	if t.usage != nil {
		usage, err := t.usage(ctx)
		if err != nil {
			return nil, err
		}
		t.limiter.SetUsage(usage)
	}
	return t.limiter.Offer(), nil
}
