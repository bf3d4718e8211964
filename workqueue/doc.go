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
Package workqueue splits workflow requests in to units of work (elements) and
hands them out to the sites with resources to run them.

It provides a queue hierarchy which guarantees:

  # An element is held by at most one child queue at a time:
    - Reservation is an atomic compare-and-swap on the element's status
    - A reservation not acknowledged within the negotiation timeout is rolled
      back to Available
  # Queuing the same request twice does not duplicate work.
  # Status only moves forward: Available, Negotiating, Acquired, Running, then
    one of Done, Failed or Canceled. Stale reports are rejected, not applied.
  # Work is matched to the free slots of sites holding its data, highest
    (aged) priority first.

A global queue is given request names with QueueWork(). A Local queue pulls
work from its parent (a *WorkQueue in the same process, or a *Client for a
remote one), stores each pulled element in its inbox, splits it in to one
element per input for its own agent to GetWork(), and reports progress back
up with Synchronize(). When every element of a request is terminal, the
request's Sink is told the final status.

Global queue

    import "github.com/dmwm/workqueue/workqueue"

    q, err := workqueue.New(workqueue.Config{
        Backend: b,       // a backend.Backend
        Specs:   specs,   // a wmspec.Provider
        Catalog: cat,     // a catalog.Catalog
        Sink:    sink,    // a reqmgr.Sink
        URL:     "http://global:8080",
    })
    n, err := q.QueueWork(ctx, "myRequest", "production")

    server, err := workqueue.Serve(workqueue.ServerConfig{
        Port:              "8080",
        Queue:             q,
        HousekeepInterval: 5 * time.Minute,
    })
    err = server.Block()

Local queue

    q, err := workqueue.New(workqueue.Config{Backend: lb, URL: "http://local:8081", Local: true})
    parent := workqueue.NewClient("http://global:8080", 60*time.Second)
    local, err := workqueue.NewLocal(q, parent, slotSource, "production")
    server, err := workqueue.Serve(workqueue.ServerConfig{
        Port:              "8081",
        Queue:             q,
        Local:             local,
        PollInterval:      time.Minute,
        SyncInterval:      time.Minute,
        HousekeepInterval: 5 * time.Minute,
    })

slotSource offers the local queue's job slots at each site; the parent takes
off the slots of work it has already handed to that queue, so an offer
repeated before any of that work finishes gets nothing new.

Agents then get work from the local queue with GetWork(), and report on it
with Synchronize(), either directly or through a Client.

Status changes are broadcast; Transitions() returns a TransitionFeed you can
read them from in the order they happened, and the server streams them to
websocket clients of /status_ws.
*/
package workqueue
