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
Package catalog looks up the blocks of a dataset: their sizes, whether they
are still open, and the sites that currently hold replicas of them.

    import "github.com/dmwm/workqueue/catalog"

    c, err := catalog.New("catalog.yml", 5*time.Minute, 30*time.Second)
    blocks, err := c.Blocks(ctx, "/A/B/C")
*/
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"
)

// ErrUnknownDataset is returned (wrapped) by Blocks() for datasets the
// catalog has never heard of. A dataset with no replicated blocks is not an
// error.
var ErrUnknownDataset = errors.New("unknown dataset")

// Error records an error and the operation and dataset that caused it.
type Error struct {
	Op      string // name of the method
	Dataset string
	Err     error // one of our Err* vars, or an underlying error
}

func (e Error) Error() string {
	return "catalog " + e.Op + "(" + e.Dataset + "): " + e.Err.Error()
}

// Unwrap lets errors.Is() find our Err* vars.
func (e Error) Unwrap() error {
	return e.Err
}

// Block is a named, immutable (once closed) subset of a dataset's files.
type Block struct {
	Name      string   `yaml:"name" json:"name"`
	Files     int      `yaml:"files" json:"files"`
	Events    int      `yaml:"events" json:"events"`
	Lumis     int      `yaml:"lumis" json:"lumis"`
	Locations []string `yaml:"locations" json:"locations"`
	Open      bool     `yaml:"open,omitempty" json:"open,omitempty"`
	Runs      []int    `yaml:"runs,omitempty" json:"runs,omitempty"`
}

func copyBlocks(blocks []Block) []Block {
	c := make([]Block, len(blocks))
	for i, b := range blocks {
		c[i] = b
		c[i].Locations = append([]string(nil), b.Locations...)
		c[i].Runs = append([]int(nil), b.Runs...)
	}
	return c
}

// Catalog returns the current blocks of a dataset.
type Catalog interface {
	Blocks(ctx context.Context, dataset string) ([]Block, error)
}

// Static is a Catalog held in memory, optionally loaded from a YAML file
// mapping dataset names to lists of blocks.
type Static struct {
	mu       sync.RWMutex
	datasets map[string][]Block
}

// NewStatic returns an empty Static catalog.
func NewStatic() *Static {
	return &Static{datasets: make(map[string][]Block)}
}

// LoadStatic reads a Static catalog from a YAML file like:
//
//    /A/B/C:
//      - name: /A/B/C#1
//        files: 10
//        events: 1000
//        locations: [SiteA]
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error{Op: "LoadStatic", Dataset: path, Err: err}
	}
	s := NewStatic()
	if err = yaml.Unmarshal(data, &s.datasets); err != nil {
		return nil, Error{Op: "LoadStatic", Dataset: path, Err: err}
	}
	if s.datasets == nil {
		s.datasets = make(map[string][]Block)
	}
	return s, nil
}

// Set replaces the blocks of a dataset.
func (s *Static) Set(dataset string, blocks ...Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[dataset] = copyBlocks(blocks)
}

// Blocks implements Catalog.
func (s *Static) Blocks(ctx context.Context, dataset string) ([]Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blocks, exists := s.datasets[dataset]
	if !exists {
		return nil, Error{Op: "Blocks", Dataset: dataset, Err: ErrUnknownDataset}
	}
	return copyBlocks(blocks), nil
}

// HTTP is a Catalog that GETs <base>?dataset=<name>, expecting a JSON list of
// blocks, or 404 for unknown datasets. Answers are cached for a while, since
// block locations change slowly but do change.
type HTTP struct {
	base   string
	client *http.Client
	cache  *cache.Cache
}

// NewHTTP returns an HTTP catalog that caches answers for ttl and limits
// requests to timeout.
func NewHTTP(base string, ttl, timeout time.Duration) *HTTP {
	return &HTTP{
		base:   base,
		client: &http.Client{Timeout: timeout},
		cache:  cache.New(ttl, 2*ttl),
	}
}

// Blocks implements Catalog.
func (h *HTTP) Blocks(ctx context.Context, dataset string) ([]Block, error) {
	if cached, found := h.cache.Get(dataset); found {
		return copyBlocks(cached.([]Block)), nil
	}

	sep := "?"
	if strings.Contains(h.base, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+sep+"dataset="+url.QueryEscape(dataset), nil)
	if err != nil {
		return nil, Error{Op: "Blocks", Dataset: dataset, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Error{Op: "Blocks", Dataset: dataset, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, Error{Op: "Blocks", Dataset: dataset, Err: ErrUnknownDataset}
	case resp.StatusCode != http.StatusOK:
		return nil, Error{Op: "Blocks", Dataset: dataset, Err: fmt.Errorf("status %s", resp.Status)}
	}

	var blocks []Block
	if err = json.NewDecoder(resp.Body).Decode(&blocks); err != nil {
		return nil, Error{Op: "Blocks", Dataset: dataset, Err: err}
	}

	h.cache.SetDefault(dataset, blocks)
	return copyBlocks(blocks), nil
}

// Forget drops any cached answer for the dataset, so the next Blocks() call
// asks the server.
func (h *HTTP) Forget(dataset string) {
	h.cache.Delete(dataset)
}

// New returns an HTTP catalog if source is an http(s) URL, otherwise a Static
// catalog loaded from source as a YAML file.
func New(source string, ttl, timeout time.Duration) (Catalog, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return NewHTTP(source, ttl, timeout), nil
	}
	return LoadStatic(source)
}
