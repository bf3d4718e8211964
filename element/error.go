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

// This file contains error handling code.

import "errors"

// element has some typical errors
var (
	ErrValidation        = errors.New("invalid element")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrImmutable         = errors.New("site lists can't change once an element has left Available")
)

// Error records an error and the operation and element that caused it.
type Error struct {
	Op     string // name of the method
	Item   string // the element's ID, or request/task if it has no ID yet
	Err    error  // one of our Err* vars
	Detail string // what exactly was wrong
}

func (e Error) Error() string {
	msg := "element " + e.Op + "(" + e.Item + "): " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap lets errors.Is() find our Err* vars.
func (e Error) Unwrap() error {
	return e.Err
}
