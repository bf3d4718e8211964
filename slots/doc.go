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
Package slots provides the resource offers a local queue makes to its parent:
the number of free job slots at each site it can submit to.

You first create a Limiter with the threshold of each site. Slots are then
Acquire()d and Release()d as work is taken on and finished, or the usage of
every site is replaced in one go with SetUsage(). Offer() tells you the free
slots at every site.

    import "github.com/dmwm/workqueue/slots"

    l := slots.NewFromThresholds(map[string]int{"SiteA": 100, "SiteB": 20})
    l.Acquire("SiteB", 15) // true
    l.Acquire("SiteB", 10) // false
    l.Offer()              // element.Offer{"SiteA": 100, "SiteB": 5}

A Thresholds Source recomputes usage from a callback each time it is asked for
an offer, so that offers reflect the work a queue currently holds.
*/
package slots
