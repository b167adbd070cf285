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
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

func (c *Collector) startCycle(ctx context.Context) {
	c.cycles.Add(1)
	go func() {
		defer c.cycles.Done()

		err := c.RunCycle(ctx)
		if errors.Is(err, ErrCycleInProgress) {
			c.logger.Info("previous collection cycle still running, skipping")
		}
	}()
}

// Run starts a cycle immediately and then one every refresh interval until
// ctx is cancelled or the collector is shut down.  Cycles that would overlap
// a running one are dropped.
func (c *Collector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.closeCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	intervalCh := c.intervalCh
	interval := c.Config().RefreshInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("starting collector", zap.Duration("refreshInterval", interval))
	c.startCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.cycles.Wait()
			c.logger.Info("collector stopped")
			return nil
		case <-ticker.C:
			c.startCycle(ctx)
		case newInterval, ok := <-intervalCh:
			if !ok {
				intervalCh = nil
				continue
			}
			if newInterval == interval {
				continue
			}

			interval = newInterval
			ticker.Reset(interval)
			c.logger.Info("updated refresh interval", zap.Duration("refreshInterval", interval))
		}
	}
}

// Reconfigure replaces the collector configuration.  New cycles pick it up,
// running ones finish with the old one.
func (c *Collector) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	c.config.Store(&cfg)

	select {
	case c.intervalIn <- cfg.RefreshInterval:
	case <-c.closeCtx.Done():
	}
}

// Shutdown stops Run and waits for in-flight cycles.
func (c *Collector) Shutdown() {
	c.closeFn()
	c.cycles.Wait()
}
