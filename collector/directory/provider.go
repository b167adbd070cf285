/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// LoadSeeds reads a JSON array of descriptors.  Seeds carry no activity flag
// and are all treated as active.
func LoadSeeds(path string) ([]ServerDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seeds []ServerDescriptor
	err = json.Unmarshal(raw, &seeds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed list: %w", err)
	}

	out := make([]ServerDescriptor, 0, len(seeds))
	for _, seed := range seeds {
		if seed.Address == "" || seed.Port < 1 || seed.Port > 65535 {
			continue
		}
		seed.IsActive = true
		out = append(out, seed)
	}

	return out, nil
}

type ProviderOptions struct {
	Logger *zap.Logger

	// Source may be nil, in which case only the seed list is used.
	Source    Source
	SeedsPath string
}

// Provider yields the server list for a collection cycle.  The live feed is
// preferred, then the last good live list, then the seed list.
type Provider struct {
	logger    *zap.Logger
	source    Source
	seedsPath string

	lock   sync.Mutex
	cached []ServerDescriptor
}

func NewProvider(opts ProviderOptions) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		logger:    logger,
		source:    opts.Source,
		seedsPath: opts.SeedsPath,
	}
}

func (p *Provider) fetchLive(ctx context.Context) ([]ServerDescriptor, error) {
	if p.source == nil {
		return nil, nil
	}

	blob, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	return Decode(blob)
}

func (p *Provider) Servers(ctx context.Context) []ServerDescriptor {
	servers, err := p.fetchLive(ctx)
	if err != nil {
		p.logger.Warn("failed to load live server directory", zap.Error(err))
	}

	if len(servers) > 0 {
		p.lock.Lock()
		p.cached = servers
		p.lock.Unlock()

		return servers
	}

	p.lock.Lock()
	cached := p.cached
	p.lock.Unlock()

	if len(cached) > 0 {
		p.logger.Info("using cached server directory", zap.Int("servers", len(cached)))
		return cached
	}

	if p.seedsPath == "" {
		return nil
	}

	seeds, err := LoadSeeds(p.seedsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to read seed server list",
				zap.String("path", p.seedsPath),
				zap.Error(err))
		}
		return nil
	}

	p.logger.Info("using seed server list",
		zap.String("path", p.seedsPath),
		zap.Int("servers", len(seeds)))

	return seeds
}
