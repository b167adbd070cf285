/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package session

import (
	"context"
	"sync"
)

// resultCell is settled exactly once.  Waiters that arrive before settlement
// block, those arriving after receive the stored outcome immediately.
type resultCell struct {
	once  sync.Once
	done  chan struct{}
	stats *Stats
	err   error
}

func newResultCell() *resultCell {
	return &resultCell{
		done: make(chan struct{}),
	}
}

func (c *resultCell) settle(stats *Stats, err error) bool {
	settled := false
	c.once.Do(func() {
		c.stats = stats
		c.err = err
		settled = true
		close(c.done)
	})
	return settled
}

func (c *resultCell) wait(ctx context.Context) (*Stats, error) {
	select {
	case <-c.done:
		return c.stats, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
