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

package wmspec

// This file contains the ways of looking up workflow specs.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"gopkg.in/yaml.v3"
)

const specCacheSize = 128

// Provider looks up workflow specs by request name. Get returns an error
// wrapping ErrNotFound if there is no such request.
type Provider interface {
	Get(ctx context.Context, name string) (*Workflow, error)
}

// Static is a Provider backed by a map, mostly useful for testing.
type Static struct {
	mu    sync.RWMutex
	specs map[string]*Workflow
}

// NewStatic returns a Static Provider holding the given workflows.
func NewStatic(workflows ...*Workflow) *Static {
	s := &Static{specs: make(map[string]*Workflow)}
	for _, wf := range workflows {
		s.Add(wf)
	}
	return s
}

// Add stores (or replaces) a workflow.
func (s *Static) Add(wf *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[wf.Name] = wf
}

// Get implements Provider.
func (s *Static) Get(ctx context.Context, name string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, exists := s.specs[name]
	if !exists {
		return nil, Error{Op: "Get", Request: name, Err: ErrNotFound}
	}
	c := *wf
	return &c, nil
}

// DirProvider is a Provider that reads <name>.yml (or .yaml or .json) files
// from a directory.
type DirProvider struct {
	dir string
}

// NewDirProvider returns a DirProvider for the given directory.
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{dir: dir}
}

// Get implements Provider.
func (d *DirProvider) Get(ctx context.Context, name string) (*Workflow, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, Error{Op: "Get", Request: name, Err: ErrNotFound}
	}

	for _, ext := range []string{".yml", ".yaml", ".json"} {
		data, err := os.ReadFile(filepath.Join(d.dir, name+ext))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, Error{Op: "Get", Request: name, Err: err}
		}

		wf := &Workflow{}
		if err = yaml.Unmarshal(data, wf); err != nil {
			return nil, Error{Op: "Get", Request: name, Err: fmt.Errorf("%w: %s", ErrInvalid, err)}
		}
		if wf.Name == "" {
			wf.Name = name
		}
		return wf, nil
	}
	return nil, Error{Op: "Get", Request: name, Err: ErrNotFound}
}

// HTTPProvider is a Provider that GETs JSON workflow specs from
// <base>/<name>. Specs don't change once a request has been made, so they are
// cached.
type HTTPProvider struct {
	base   string
	client *http.Client
	cache  *lru.ARCCache
}

// NewHTTPProvider returns an HTTPProvider for the given base URL, with
// requests limited to the given timeout.
func NewHTTPProvider(base string, timeout time.Duration) (*HTTPProvider, error) {
	cache, err := lru.NewARC(specCacheSize)
	if err != nil {
		return nil, err
	}
	return &HTTPProvider{
		base:   strings.TrimSuffix(base, "/"),
		client: &http.Client{Timeout: timeout},
		cache:  cache,
	}, nil
}

// Get implements Provider.
func (h *HTTPProvider) Get(ctx context.Context, name string) (*Workflow, error) {
	if cached, found := h.cache.Get(name); found {
		c := *cached.(*Workflow)
		return &c, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, Error{Op: "Get", Request: name, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Error{Op: "Get", Request: name, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, Error{Op: "Get", Request: name, Err: ErrNotFound}
	case resp.StatusCode != http.StatusOK:
		return nil, Error{Op: "Get", Request: name, Err: fmt.Errorf("status %s", resp.Status)}
	}

	wf := &Workflow{}
	if err = json.NewDecoder(resp.Body).Decode(wf); err != nil {
		return nil, Error{Op: "Get", Request: name, Err: fmt.Errorf("%w: %s", ErrInvalid, err)}
	}
	if wf.Name == "" {
		wf.Name = name
	}

	h.cache.Add(name, wf)
	c := *wf
	return &c, nil
}

// NewProvider returns an HTTPProvider if source is an http(s) URL, otherwise
// a DirProvider treating source as a directory.
func NewProvider(source string, timeout time.Duration) (Provider, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return NewHTTPProvider(source, timeout)
	}
	return NewDirProvider(source), nil
}
