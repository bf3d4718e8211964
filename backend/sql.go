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

// This file contains the SQL implementation of Backend, usable with sqlite3
// files or a postgres server via pgx.

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dmwm/workqueue/element"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/mattn/go-sqlite3"
)

const (
	pgUniqueViolation   = "23505"
	pgConnectionClasses = "08"
)

// SQL is a Backend that stores elements in a sqlite3 or postgres database.
// Elements are stored as encoded documents alongside the columns we filter
// on, and compare-and-swap is done by checking a version column.
type SQL struct {
	db       *sql.DB
	driver   string
	pageSize int
}

// OpenSQL connects to the database. driver is KindSQLite (with dsn being a
// file path) or KindPgx (with dsn being a postgres connection string). The
// schema is created if it doesn't exist.
func OpenSQL(driverName, dsn string, pageSize int) (*SQL, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, Error{Op: "OpenSQL", Item: driverName, Err: err}
	}

	if driverName == KindSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL;",
			"PRAGMA synchronous = NORMAL;",
			"PRAGMA temp_store = MEMORY;",
			"PRAGMA busy_timeout = 5000;",
		} {
			if _, err = db.Exec(pragma); err != nil {
				db.Close()
				return nil, Error{Op: "OpenSQL", Item: dsn, Err: classify(err)}
			}
		}
		db.SetMaxOpenConns(1)
	}

	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	s := &SQL{db: db, driver: driverName, pageSize: pageSize}
	if err = s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, Error{Op: "OpenSQL", Item: driverName, Err: classify(err)}
	}
	return s, nil
}

func (s *SQL) ensureSchema(ctx context.Context) error {
	blob := "BLOB"
	if s.driver == KindPgx {
		blob = "BYTEA"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wq_elements (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			request_name TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			child_url TEXT NOT NULL DEFAULT '',
			inbox INTEGER NOT NULL DEFAULT 0,
			insert_time BIGINT NOT NULL,
			update_time BIGINT NOT NULL,
			version BIGINT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			doc ` + blob + ` NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS wq_elements_live_key ON wq_elements (fingerprint) WHERE archived = 0`,
		`CREATE INDEX IF NOT EXISTS wq_elements_status ON wq_elements (status, request_name)`,
		`CREATE TABLE IF NOT EXISTS wq_requests (
			name TEXT PRIMARY KEY,
			doc ` + blob + ` NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts our ? placeholders to $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != KindPgx {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classify converts driver errors in to our Err* vars where they have an
// equivalent.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation:
			return ErrDuplicate
		case strings.HasPrefix(pgErr.Code, pgConnectionClasses):
			return ErrUnavailable
		}
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrConstraint:
			return ErrDuplicate
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen:
			return ErrUnavailable
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ErrUnavailable
	}
	if pgconn.Timeout(err) {
		return ErrUnavailable
	}
	return err
}

// sqlWrap is like wrap() but classifies driver errors.
func sqlWrap(op, item string, err error) error {
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
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c := classify(err)
	detail := ""
	if c == ErrDuplicate || c == ErrUnavailable {
		detail = err.Error()
	}
	return Error{Op: op, Item: item, Err: c, Detail: detail}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Insert implements Backend.
func (s *SQL) Insert(ctx context.Context, e *element.Element) (*element.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored, err := prepareInsert(e, time.Now())
	if err != nil {
		return nil, err
	}
	encoded, err := encode(stored)
	if err != nil {
		return nil, sqlWrap("Insert", stored.ID, err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO wq_elements
		(id, fingerprint, request_name, status, parent_id, child_url, inbox, insert_time, update_time, version, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		stored.ID, stored.Fingerprint(), stored.RequestName, string(stored.Status), stored.ParentQueueID,
		stored.ChildQueueURL, boolInt(stored.Inbox), stored.InsertTime.UnixNano(), stored.UpdateTime.UnixNano(),
		stored.Version, encoded)
	if err != nil {
		return nil, sqlWrap("Insert", stored.ID, err)
	}
	return stored, nil
}

// BulkInsert implements Backend.
func (s *SQL) BulkInsert(ctx context.Context, es []*element.Element) []Result {
	return bulkInsert(ctx, s, es)
}

// Get implements Backend.
func (s *SQL) Get(ctx context.Context, id string) (*element.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var encoded []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM wq_elements WHERE id = ? AND archived = 0`), id).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Error{Op: "Get", Item: id, Err: ErrNotFound}
	}
	if err != nil {
		return nil, sqlWrap("Get", id, err)
	}

	e, err := decodeElement(encoded)
	return e, sqlWrap("Get", id, err)
}

// UpdateStatus implements Backend.
func (s *SQL) UpdateStatus(ctx context.Context, id string, expected, status element.Status, mutate func(*element.Element) error) (*element.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqlWrap("UpdateStatus", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var encoded []byte
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT doc FROM wq_elements WHERE id = ? AND archived = 0`), id).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Error{Op: "UpdateStatus", Item: id, Err: ErrNotFound}
	}
	if err != nil {
		return nil, sqlWrap("UpdateStatus", id, err)
	}

	stored, err := decodeElement(encoded)
	if err != nil {
		return nil, sqlWrap("UpdateStatus", id, err)
	}
	updated, err := applyUpdate(stored, expected, status, mutate, time.Now())
	if err != nil {
		return nil, err
	}
	encoded, err = encode(updated)
	if err != nil {
		return nil, sqlWrap("UpdateStatus", id, err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE wq_elements
		SET status = ?, parent_id = ?, child_url = ?, update_time = ?, version = ?, doc = ?
		WHERE id = ? AND status = ? AND version = ? AND archived = 0`),
		string(updated.Status), updated.ParentQueueID, updated.ChildQueueURL, updated.UpdateTime.UnixNano(),
		updated.Version, encoded, id, string(expected), stored.Version)
	if err != nil {
		return nil, sqlWrap("UpdateStatus", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, sqlWrap("UpdateStatus", id, err)
	}
	if n == 0 {
		return nil, Error{Op: "UpdateStatus", Item: id, Err: ErrConflict, Detail: "changed concurrently"}
	}

	if err = tx.Commit(); err != nil {
		return nil, sqlWrap("UpdateStatus", id, err)
	}
	return updated, nil
}

// BulkUpdateStatus implements Backend.
func (s *SQL) BulkUpdateStatus(ctx context.Context, updates []Update) []Result {
	return bulkUpdate(ctx, s, updates)
}

// Query implements Backend. The simple equality parts of the filter are
// pushed down to the database; the rest is applied as elements are read.
func (s *SQL) Query(ctx context.Context, f Filter) Iterator {
	where := []string{"archived = 0", "id > ?"}
	var fixed []interface{}

	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			fixed = append(fixed, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.RequestName != "" {
		where = append(where, "request_name = ?")
		fixed = append(fixed, f.RequestName)
	}
	if f.ParentQueueID != "" {
		where = append(where, "parent_id = ?")
		fixed = append(fixed, f.ParentQueueID)
	}
	if f.ChildQueueURL != "" {
		where = append(where, "child_url = ?")
		fixed = append(fixed, f.ChildQueueURL)
	}
	switch f.Inbox {
	case InboxOnly:
		where = append(where, "inbox = 1")
	case InboxExcluded:
		where = append(where, "inbox = 0")
	}
	query := s.rebind("SELECT doc FROM wq_elements WHERE " + strings.Join(where, " AND ") + " ORDER BY id LIMIT ?")

	fetch := func(after string, limit int) ([]*element.Element, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args := make([]interface{}, 0, len(fixed)+2)
		args = append(args, after)
		args = append(args, fixed...)
		args = append(args, limit)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, sqlWrap("Query", "", err)
		}
		defer rows.Close()

		var page []*element.Element
		for rows.Next() {
			var encoded []byte
			if err = rows.Scan(&encoded); err != nil {
				return nil, sqlWrap("Query", "", err)
			}
			e, errd := decodeElement(encoded)
			if errd != nil {
				return nil, sqlWrap("Query", "", errd)
			}
			page = append(page, e)
		}
		return page, sqlWrap("Query", "", rows.Err())
	}
	return newPagedIterator(fetch, f, s.pageSize)
}

// Delete implements Backend.
func (s *SQL) Delete(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM wq_elements WHERE archived = 0 AND id IN ("+strings.Join(marks, ", ")+")"), args...)
	return sqlWrap("Delete", "", err)
}

// Archive implements Backend. Archived rows stay in the table, but no longer
// count towards the uniqueness of natural keys.
func (s *SQL) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	terminal := []interface{}{
		cutoff.UnixNano(),
		string(element.Done), string(element.Failed), string(element.Canceled), string(element.PartialSuccess),
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT doc FROM wq_elements
		WHERE archived = 0 AND update_time < ? AND status IN (?, ?, ?, ?)`), terminal...)
	if err != nil {
		return 0, sqlWrap("Archive", "", err)
	}
	var candidates []*element.Element
	for rows.Next() {
		var encoded []byte
		if err = rows.Scan(&encoded); err != nil {
			rows.Close()
			return 0, sqlWrap("Archive", "", err)
		}
		e, errd := decodeElement(encoded)
		if errd != nil {
			rows.Close()
			return 0, sqlWrap("Archive", "", errd)
		}
		if e.Archivable(cutoff) {
			candidates = append(candidates, e)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, sqlWrap("Archive", "", err)
	}

	archived := 0
	for _, e := range candidates {
		res, erre := s.db.ExecContext(ctx, s.rebind(`UPDATE wq_elements SET archived = 1 WHERE id = ? AND version = ? AND archived = 0`), e.ID, e.Version)
		if erre != nil {
			return archived, sqlWrap("Archive", e.ID, erre)
		}
		if n, errr := res.RowsAffected(); errr == nil && n > 0 {
			archived++
		}
	}
	return archived, nil
}

// PutRequest implements Backend.
func (s *SQL) PutRequest(ctx context.Context, r *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := encode(r)
	if err != nil {
		return sqlWrap("PutRequest", r.Name, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO wq_requests (name, doc) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET doc = excluded.doc`), r.Name, encoded)
	return sqlWrap("PutRequest", r.Name, err)
}

// GetRequest implements Backend.
func (s *SQL) GetRequest(ctx context.Context, name string) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var encoded []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM wq_requests WHERE name = ?`), name).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Error{Op: "GetRequest", Item: name, Err: ErrNotFound}
	}
	if err != nil {
		return nil, sqlWrap("GetRequest", name, err)
	}

	r := &Request{}
	if err = decode(encoded, r); err != nil {
		return nil, sqlWrap("GetRequest", name, err)
	}
	return r, nil
}

// Requests implements Backend.
func (s *SQL) Requests(ctx context.Context) ([]*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM wq_requests ORDER BY name`)
	if err != nil {
		return nil, sqlWrap("Requests", "", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		var encoded []byte
		if err = rows.Scan(&encoded); err != nil {
			return nil, sqlWrap("Requests", "", err)
		}
		r := &Request{}
		if err = decode(encoded, r); err != nil {
			return nil, sqlWrap("Requests", "", err)
		}
		requests = append(requests, r)
	}
	return requests, sqlWrap("Requests", "", rows.Err())
}

// Close closes the database connections.
func (s *SQL) Close() error {
	return s.db.Close()
}
