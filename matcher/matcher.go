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

/*
Package matcher pairs work queue elements with the free job slots of sites.

Elements are first put in order: highest effective priority first, then the
element queued longest, then by ID. Greedy() then makes a single pass down that
order, giving each element the eligible site with the most free slots if it
fits, and skipping it otherwise. A later element never takes slots an earlier
one could have used, and the same input always gives the same matches.

    import "github.com/dmwm/workqueue/matcher"

    matcher.Order(elements, matcher.LinearAging{PerHour: 1, Max: 10}, time.Now())
    matches, remaining := matcher.Greedy(elements, offer, nil)
*/
package matcher

import (
	"sort"
	"time"

	"github.com/dmwm/workqueue/element"
)

// Ager gives the priority an element should be treated as having at the
// given time.
type Ager interface {
	Effective(e *element.Element, now time.Time) float64
}

// LinearAging raises an element's priority by PerHour for every hour it has
// been queued, up to a boost of Max (if Max > 0). The zero value does no
// aging.
type LinearAging struct {
	PerHour float64
	Max     float64
}

// Effective implements Ager.
func (a LinearAging) Effective(e *element.Element, now time.Time) float64 {
	p := float64(e.Priority)
	if a.PerHour <= 0 {
		return p
	}
	boost := a.PerHour * e.Age(now).Hours()
	if a.Max > 0 && boost > a.Max {
		boost = a.Max
	}
	if boost < 0 {
		boost = 0
	}
	return p + boost
}

// Order sorts the elements in place in to matching order. ager may be nil for
// no aging.
func Order(elements []*element.Element, ager Ager, now time.Time) {
	if ager == nil {
		ager = LinearAging{}
	}
	effective := make(map[*element.Element]float64, len(elements))
	for _, e := range elements {
		effective[e] = ager.Effective(e, now)
	}

	sort.SliceStable(elements, func(i, j int) bool {
		a, b := elements[i], elements[j]
		if ea, eb := effective[a], effective[b]; ea != eb {
			return ea > eb
		}
		if !a.InsertTime.Equal(b.InsertTime) {
			return a.InsertTime.Before(b.InsertTime)
		}
		return a.ID < b.ID
	})
}

// Match is an element that Greedy() matched, and the site it was matched to.
type Match struct {
	Element *element.Element
	Site    string
}

// ClaimFunc is called by Greedy() for each element it matches, before the
// offer is reduced. Returning false means the element could not be claimed
// (eg. someone else took it first), so the slots are not used and matching
// continues with the next element. The returned element, if not nil,
// replaces the matched one in the results.
type ClaimFunc func(e *element.Element, site string) (*element.Element, bool)

// Greedy makes a single pass over the elements, in the order given, matching
// each to a site of the offer. It returns the matches in order, and the offer
// left over. The given offer is not altered. claim may be nil.
func Greedy(elements []*element.Element, offer element.Offer, claim ClaimFunc) ([]Match, element.Offer) {
	remaining := offer.Copy()
	var matches []Match
	for _, e := range elements {
		if remaining.Total() == 0 {
			break
		}

		site, after, ok := e.MatchSite(remaining)
		if !ok {
			continue
		}

		matched := e
		if claim != nil {
			claimed, ok := claim(e, site)
			if !ok {
				continue
			}
			if claimed != nil {
				matched = claimed
			}
		}

		remaining = after
		matches = append(matches, Match{Element: matched, Site: site})
	}
	return matches, remaining
}
