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
Package main is a stub for wmq's command line interface, with the actual
implementation in the cmd package.

wmq is a hierarchical work queue. Requests to process data are queued with a
global queue, which splits them in to elements of work. Local queues, one per
agent, pull elements sized to the job slots free at their sites, split them
further for their agent, and report progress back up, so that the global queue
always knows how each request is getting on.

Basics

Start up a global queue:

    wmq manager start

Queue a request, whose workflow spec must be available from the configured
specsource:

    wmq queue -r my_request

Start a local queue for an agent on another machine, with a config file that
sets queuerole to "local", parenturl to the global queue's URL and
sitethresholds to the job slots the agent has:

    wmq manager start

And watch progress:

    wmq status -o summary

Package Overview

The element package defines the unit of work and its status lifecycle. Elements
are stored in a backend (the backend package), which can be a bolt file, a
sqlite3 file or a PostgreSQL database; every status change is a compare and
swap, so many queues can safely share one backend.

The policy package splits the tasks of workflow specs (from the wmspec package)
in to elements, by input block, by dataset or by event count, using the data
catalog in the catalog package to find blocks and their locations.

The matcher package decides which elements best fit the resources a child
queue offers, and the slots package works out what a local queue can offer.

The workqueue package ties these together: it queues requests, hands out and
takes back work, applies status reports, propagates cancellation, tells the
request manager (the reqmgr package) about finished requests and keeps itself
tidy. It also serves all of this over HTTP, and provides the Client that local
queues use to talk to their parent.

The internal package contains general utility functions, and most notably
config.go holds the code for how the command line interface deals with config
options.
*/
package main

import (
	"github.com/dmwm/workqueue/cmd"
)

func main() {
	cmd.Execute()
}
