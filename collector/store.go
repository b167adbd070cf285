/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package collector

import (
	"sort"
	"sync"
	"time"

	"github.com/EagleD3v/slither-bot/collector/geo"
	"github.com/EagleD3v/slither-bot/collector/minimap"
	"github.com/EagleD3v/slither-bot/collector/session"
)

// Snapshot is the latest stats of one game server.  It is replaced as a
// whole, never updated in place.
type Snapshot struct {
	Address      string                     `json:"ip"`
	Port         int                        `json:"port"`
	ClusterID    int                        `json:"cluster"`
	Timestamp    time.Time                  `json:"timestamp"`
	TotalPlayers int                        `json:"totalPlayers"`
	Rank         int                        `json:"rank"`
	TotalScore   int                        `json:"totalScore"`
	Leaderboard  []session.LeaderboardEntry `json:"leaderboard"`
	Minimap      *minimap.Image             `json:"minimap"`

	*geo.Location
}

func (s *Snapshot) Key() string {
	return serverKey(s.Address, s.Port)
}

type snapshotStore struct {
	lock      sync.RWMutex
	snapshots map[string]*Snapshot
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{
		snapshots: make(map[string]*Snapshot),
	}
}

// Put stores a snapshot and reports whether the key was new.
func (s *snapshotStore) Put(key string, snapshot *Snapshot) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, existed := s.snapshots[key]
	s.snapshots[key] = snapshot
	return !existed
}

// Delete removes a snapshot and reports whether there was one.
func (s *snapshotStore) Delete(key string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, existed := s.snapshots[key]
	delete(s.snapshots, key)
	return existed
}

func (s *snapshotStore) Get(key string) (*Snapshot, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	snapshot, ok := s.snapshots[key]
	return snapshot, ok
}

// List returns all snapshots ordered by key.
func (s *snapshotStore) List() []*Snapshot {
	s.lock.RLock()
	keys := make([]string, 0, len(s.snapshots))
	for key := range s.snapshots {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]*Snapshot, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.snapshots[key])
	}
	s.lock.RUnlock()

	return out
}
