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

package backend

// This file contains the bolt implementation of Backend.

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dmwm/workqueue/element"
	bolt "go.etcd.io/bbolt"
)

const (
	dbFilePermission = 0600
	dbOpenTimeout    = 1 * time.Second
)

var (
	bucketElements = []byte("elements")
	bucketKeys     = []byte("keys")
	bucketRequests = []byte("requests")
	bucketArchive  = []byte("archive")
)

// Bolt is a Backend that stores elements in a local bolt database file. Each
// compare-and-swap happens inside a single read-write transaction.
type Bolt struct {
	db       *bolt.DB
	pageSize int
}

// OpenBolt opens (creating if necessary) the bolt database at the given path.
// pageSize is how many elements Query() iterators read per transaction; <= 0
// means a default of 500.
func OpenBolt(path string, pageSize int) (*Bolt, error) {
	db, err := bolt.Open(path, dbFilePermission, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, Error{Op: "OpenBolt", Item: path, Err: boltErr(err)}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketElements, bucketKeys, bucketRequests, bucketArchive} {
			if _, errc := tx.CreateBucketIfNotExists(name); errc != nil {
				return errc
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, Error{Op: "OpenBolt", Item: path, Err: boltErr(err)}
	}

	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Bolt{db: db, pageSize: pageSize}, nil
}

// boltErr converts bolt's errors about the database not being usable in to
// ErrUnavailable.
func boltErr(err error) error {
	switch {
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTimeout), errors.Is(err, bolt.ErrTxClosed):
		return ErrUnavailable
	}
	return err
}

// wrap returns nil for nil errors, passes through our own Errors, and
// otherwise wraps err in an Error.
func wrap(op, item string, err error) error {
	if err == nil {
		return nil
	}
	var berr Error
	if errors.As(err, &berr) {
		return err
	}
	var eerr element.Error
	if errors.As(err, &eerr) {
		return err
	}
	return Error{Op: op, Item: item, Err: boltErr(err)}
}

// copyBytes copies a value out of a bolt transaction, since values are only
// valid for the life of the transaction.
func copyBytes(v []byte) []byte {
	c := make([]byte, len(v))
	copy(c, v)
	return c
}

// Insert implements Backend.
func (b *Bolt) Insert(ctx context.Context, e *element.Element) (*element.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored, err := prepareInsert(e, time.Now())
	if err != nil {
		return nil, err
	}
	fp := []byte(stored.Fingerprint())
	encoded, err := encode(stored)
	if err != nil {
		return nil, wrap("Insert", stored.ID, err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		if existing := keys.Get(fp); existing != nil {
			return Error{Op: "Insert", Item: stored.ID, Err: ErrDuplicate, Detail: "same key as " + string(existing)}
		}
		elements := tx.Bucket(bucketElements)
		id := []byte(stored.ID)
		if elements.Get(id) != nil {
			return Error{Op: "Insert", Item: stored.ID, Err: ErrDuplicate, Detail: "same ID"}
		}
		if errp := keys.Put(fp, id); errp != nil {
			return errp
		}
		return elements.Put(id, encoded)
	})
	if err != nil {
		return nil, wrap("Insert", stored.ID, err)
	}
	return stored, nil
}

// BulkInsert implements Backend.
func (b *Bolt) BulkInsert(ctx context.Context, es []*element.Element) []Result {
	return bulkInsert(ctx, b, es)
}

// Get implements Backend.
func (b *Bolt) Get(ctx context.Context, id string) (*element.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var encoded []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketElements).Get([]byte(id))
		if v == nil {
			return Error{Op: "Get", Item: id, Err: ErrNotFound}
		}
		encoded = copyBytes(v)
		return nil
	})
	if err != nil {
		return nil, wrap("Get", id, err)
	}

	e, err := decodeElement(encoded)
	return e, wrap("Get", id, err)
}

// UpdateStatus implements Backend.
func (b *Bolt) UpdateStatus(ctx context.Context, id string, expected, status element.Status, mutate func(*element.Element) error) (*element.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *element.Element
	err := b.db.Update(func(tx *bolt.Tx) error {
		elements := tx.Bucket(bucketElements)
		v := elements.Get([]byte(id))
		if v == nil {
			return Error{Op: "UpdateStatus", Item: id, Err: ErrNotFound}
		}
		stored, errd := decodeElement(copyBytes(v))
		if errd != nil {
			return errd
		}

		e, erru := applyUpdate(stored, expected, status, mutate, time.Now())
		if erru != nil {
			return erru
		}

		encoded, erre := encode(e)
		if erre != nil {
			return erre
		}
		if errp := elements.Put([]byte(id), encoded); errp != nil {
			return errp
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, wrap("UpdateStatus", id, err)
	}
	return updated, nil
}

// BulkUpdateStatus implements Backend.
func (b *Bolt) BulkUpdateStatus(ctx context.Context, updates []Update) []Result {
	return bulkUpdate(ctx, b, updates)
}

// Query implements Backend.
func (b *Bolt) Query(ctx context.Context, f Filter) Iterator {
	fetch := func(after string, limit int) ([]*element.Element, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var encs [][]byte
		err := b.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketElements).Cursor()
			var k, v []byte
			if after == "" {
				k, v = c.First()
			} else {
				k, v = c.Seek([]byte(after))
				if k != nil && bytes.Equal(k, []byte(after)) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(encs) < limit; k, v = c.Next() {
				encs = append(encs, copyBytes(v))
			}
			return nil
		})
		if err != nil {
			return nil, wrap("Query", "", err)
		}

		page := make([]*element.Element, 0, len(encs))
		for _, enc := range encs {
			e, errd := decodeElement(enc)
			if errd != nil {
				return nil, wrap("Query", "", errd)
			}
			page = append(page, e)
		}
		return page, nil
	}
	return newPagedIterator(fetch, f, b.pageSize)
}

// Delete implements Backend.
func (b *Bolt) Delete(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		elements := tx.Bucket(bucketElements)
		keys := tx.Bucket(bucketKeys)
		for _, id := range ids {
			v := elements.Get([]byte(id))
			if v == nil {
				continue
			}
			e, errd := decodeElement(copyBytes(v))
			if errd != nil {
				return errd
			}
			if err := removeKey(keys, e); err != nil {
				return err
			}
			if err := elements.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("Delete", "", err)
}

// removeKey deletes the element's natural key, if it still points at this
// element.
func removeKey(keys *bolt.Bucket, e *element.Element) error {
	fp := []byte(e.Fingerprint())
	if existing := keys.Get(fp); existing != nil && string(existing) == e.ID {
		return keys.Delete(fp)
	}
	return nil
}

// Archive implements Backend.
func (b *Bolt) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	archived := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		elements := tx.Bucket(bucketElements)
		keys := tx.Bucket(bucketKeys)
		archive := tx.Bucket(bucketArchive)

		// we can't delete while iterating with a cursor, so collect first
		var toArchive []*element.Element
		err := elements.ForEach(func(k, v []byte) error {
			e, errd := decodeElement(copyBytes(v))
			if errd != nil {
				return errd
			}
			if e.Archivable(cutoff) {
				toArchive = append(toArchive, e)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range toArchive {
			encoded, erre := encode(e)
			if erre != nil {
				return erre
			}
			if err = archive.Put([]byte(e.ID), encoded); err != nil {
				return err
			}
			if err = removeKey(keys, e); err != nil {
				return err
			}
			if err = elements.Delete([]byte(e.ID)); err != nil {
				return err
			}
		}
		archived = len(toArchive)
		return nil
	})
	if err != nil {
		return 0, wrap("Archive", "", err)
	}
	return archived, nil
}

// PutRequest implements Backend.
func (b *Bolt) PutRequest(ctx context.Context, r *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := encode(r)
	if err != nil {
		return wrap("PutRequest", r.Name, err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Put([]byte(r.Name), encoded)
	})
	return wrap("PutRequest", r.Name, err)
}

// GetRequest implements Backend.
func (b *Bolt) GetRequest(ctx context.Context, name string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var encoded []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRequests).Get([]byte(name))
		if v == nil {
			return Error{Op: "GetRequest", Item: name, Err: ErrNotFound}
		}
		encoded = copyBytes(v)
		return nil
	})
	if err != nil {
		return nil, wrap("GetRequest", name, err)
	}

	r := &Request{}
	if err = decode(encoded, r); err != nil {
		return nil, wrap("GetRequest", name, err)
	}
	return r, nil
}

// Requests implements Backend.
func (b *Bolt) Requests(ctx context.Context) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var encs [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			encs = append(encs, copyBytes(v))
			return nil
		})
	})
	if err != nil {
		return nil, wrap("Requests", "", err)
	}

	requests := make([]*Request, 0, len(encs))
	for _, enc := range encs {
		r := &Request{}
		if err = decode(enc, r); err != nil {
			return nil, wrap("Requests", "", err)
		}
		requests = append(requests, r)
	}
	return requests, nil
}

// Close closes the database file. Further use of the Backend returns errors
// wrapping ErrUnavailable.
func (b *Bolt) Close() error {
	return b.db.Close()
}
