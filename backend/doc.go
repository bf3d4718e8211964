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
Package backend is the durable store behind a work queue. It keeps elements and
request records, and its UpdateStatus() is an atomic compare-and-swap on an
element's status, which is what stops two child queues acquiring the same
element.

Three implementations are provided: a bolt database file (the default), a
sqlite3 file, and a postgres server reached with pgx.

    import "github.com/dmwm/workqueue/backend"

    b, err := backend.Open(backend.Config{Kind: backend.KindBolt, Path: "/tmp/wq.db"})
    stored, err := b.Insert(ctx, e)
    _, err = b.UpdateStatus(ctx, stored.ID, element.Available, element.Negotiating, nil)
    // a second identical call fails: errors.Is(err, backend.ErrConflict)
*/
package backend
