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

// This file contains resource offers and matching elements against them.

import (
	"sort"

	"github.com/dmwm/workqueue/internal"
)

// Offer is a resource advertisement: the number of free job slots per site. It
// only lives for the duration of one getWork call.
type Offer map[string]int

// Copy returns an independent copy of the offer.
func (o Offer) Copy() Offer {
	c := make(Offer, len(o))
	for site, slots := range o {
		c[site] = slots
	}
	return c
}

// Total is the sum of free slots over all sites.
func (o Offer) Total() int {
	total := 0
	for _, slots := range o {
		if slots > 0 {
			total += slots
		}
	}
	return total
}

// Sites returns the offered site names in sorted order.
func (o Offer) Sites() []string {
	sites := make([]string, 0, len(o))
	for site := range o {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}

// EligibleSites returns, in sorted order, the offered sites this element could
// run at: those that hold its input (if it has known locations) and are on its
// whitelist (if it has one), minus those on its blacklist.
func (e *Element) EligibleSites(offer Offer) []string {
	locations := toSet(e.Locations)
	white := toSet(e.SiteWhitelist)
	black := toSet(e.SiteBlacklist)

	var eligible []string
	for _, site := range offer.Sites() {
		if len(locations) > 0 && !locations[site] {
			continue
		}
		if len(white) > 0 && !white[site] {
			continue
		}
		if black[site] {
			continue
		}
		eligible = append(eligible, site)
	}
	return eligible
}

func toSet(s []string) map[string]bool {
	set := make(map[string]bool, len(s))
	for _, str := range s {
		set[str] = true
	}
	return set
}

// MatchSite picks the eligible site with enough free slots for us, preferring
// the one with the most free slots and then the first by name. It returns the
// site chosen and a copy of the offer with that site's slots decremented. ok is
// false if no eligible site has enough free slots, in which case remaining is an
// unaltered copy of the offer.
func (e *Element) MatchSite(offer Offer) (site string, remaining Offer, ok bool) {
	remaining = offer.Copy()
	required := e.RequiredSlots()

	free := make(map[string]int)
	for _, candidate := range e.EligibleSites(offer) {
		free[candidate] = offer[candidate]
	}

	ranked := internal.SortMapKeysByIntValue(free, true)
	if len(ranked) == 0 || free[ranked[0]] < required {
		return "", remaining, false
	}

	site = ranked[0]
	remaining[site] -= required
	return site, remaining, true
}

// Match tells you if this element fits in the given offer, returning the offer
// left over if it were matched. It never alters the element or the offer.
func (e *Element) Match(offer Offer) (bool, Offer) {
	_, remaining, ok := e.MatchSite(offer)
	return ok, remaining
}
