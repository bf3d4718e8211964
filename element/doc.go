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
Package element defines the work queue element: the atomic unit of schedulable
work, together with the state graph it moves through and the pure matching of
an element against a resource offer.

    import "github.com/dmwm/workqueue/element"

    e, err := element.New(element.Element{
        RequestName: "req1",
        TaskName:    "Processing",
        Jobs:        2,
        Locations:   []string{"SiteA"},
        Inputs:      []element.Input{{Dataset: "/A/B/C", Block: "/A/B/C#1", NumFiles: 10}},
    })

    matched, remaining := e.Match(element.Offer{"SiteA": 5})
    // matched == true, remaining == Offer{"SiteA": 3}

    err = e.SetStatus(element.Done)
    // errors.Is(err, element.ErrInvalidTransition) == true
*/
package element
