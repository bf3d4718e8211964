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

// This file contains error handling code.

import "errors"

// backend has some typical errors
var (
	ErrConflict    = errors.New("stored status did not match the expected status")
	ErrDuplicate   = errors.New("an element with the same natural key already exists")
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("backend unavailable")
	ErrUnknownKind = errors.New("unknown backend kind")
)

// Error records an error and the operation and item that caused it.
type Error struct {
	Op     string // name of the method
	Item   string // the element ID or request name
	Err    error  // one of our Err* vars, or an underlying error
	Detail string
}

func (e Error) Error() string {
	msg := "backend " + e.Op + "(" + e.Item + "): " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap lets errors.Is() find our Err* vars.
func (e Error) Unwrap() error {
	return e.Err
}

// IsTransient tells you if the error is one that is worth retrying after a
// delay.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsNotFound tells you if the error is because the element or request did not
// exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
