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

// This file contains the in-order delivery of broadcast Transitions.

import (
	"sync"
	"time"

	"github.com/dmwm/workqueue/internal"
	"github.com/grafov/bcast"
)

const (
	// transitionFeedBuffer is how many ordered Transitions a TransitionFeed
	// holds for its reader before it queues them internally.
	transitionFeedBuffer = 64

	// transitionDrainWait is how long a closed TransitionFeed keeps reading
	// deliveries already under way, after the last one arrived.
	transitionDrainWait = 100 * time.Millisecond
)

// TransitionFeed is a subscription to the Transitions of a WorkQueue. Read
// them from C, in the order they happened, and Close() it when done.
type TransitionFeed struct {
	C         <-chan *Transition
	q         *WorkQueue
	member    *bcast.Member
	out       chan *Transition
	stop      chan struct{}
	closeOnce sync.Once
}

// Transitions subscribes you to every Transition that happens from now on.
func (q *WorkQueue) Transitions() *TransitionFeed {
	q.seqMutex.Lock()
	member := q.transitionCaster.Join()
	next := q.seq + 1
	q.seqMutex.Unlock()

	out := make(chan *Transition, transitionFeedBuffer)
	f := &TransitionFeed{
		C:      out,
		q:      q,
		member: member,
		out:    out,
		stop:   make(chan struct{}),
	}
	go f.relay(next)
	return f
}

// Close ends the subscription; C will be closed shortly after.
func (f *TransitionFeed) Close() {
	f.closeOnce.Do(func() {
		close(f.stop)
	})
}

// relay reads our broadcast member's deliveries as soon as they arrive, which
// may be out of order, and passes them on to C in Seq order starting from
// next. Earlier Transitions that were still being broadcast when we joined
// are dropped.
func (f *TransitionFeed) relay(next uint64) {
	defer internal.LogPanic(f.q.Logger, "workqueue transition relay", false)
	defer close(f.out)

	pending := make(map[uint64]*Transition)
	var ready []*Transition
	for {
		var out chan<- *Transition
		var first *Transition
		if len(ready) > 0 {
			out = f.out
			first = ready[0]
		}

		select {
		case v := <-f.member.In:
			t, ok := v.(*Transition)
			if !ok || t.Seq < next {
				continue
			}
			pending[t.Seq] = t
			for {
				nt, found := pending[next]
				if !found {
					break
				}
				delete(pending, next)
				ready = append(ready, nt)
				next++
			}
		case out <- first:
			ready[0] = nil
			ready = ready[1:]
		case <-f.stop:
			f.leave()
			return
		}
	}
}

// leave removes our member from the broadcast group, then keeps reading
// deliveries the group had already started, so they don't block forever.
func (f *TransitionFeed) leave() {
	f.q.seqMutex.Lock()
	f.member.Close()
	f.q.seqMutex.Unlock()

	for {
		select {
		case <-f.member.In:
		case <-time.After(transitionDrainWait):
			return
		}
	}
}
