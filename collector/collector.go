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
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EagleD3v/slither-bot/collector/directory"
	"github.com/EagleD3v/slither-bot/collector/geo"
	"github.com/EagleD3v/slither-bot/collector/proxypool"
	"github.com/EagleD3v/slither-bot/collector/session"
	"github.com/EagleD3v/slither-bot/pkg/metrics"
	"github.com/EagleD3v/slither-bot/utils/latestonlychannel"
	"github.com/EagleD3v/slither-bot/utils/sliceutils"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultRefreshInterval = 2 * time.Minute
	DefaultProxyAttempts   = 3
)

type Config struct {
	RefreshInterval time.Duration
	SessionTimeout  time.Duration
	ProxyAttempts   int
	// TestMode only collects the first server of each cycle.
	TestMode bool
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = session.DefaultTimeout
	}
	if c.ProxyAttempts <= 0 {
		c.ProxyAttempts = DefaultProxyAttempts
	}
	return c
}

// ServerLister supplies the servers to collect each cycle.  It is satisfied by
// *directory.Provider.
type ServerLister interface {
	Servers(ctx context.Context) []directory.ServerDescriptor
}

type Options struct {
	Logger  *zap.Logger
	Servers ServerLister
	Proxies proxypool.Source
	// Dialer defaults to a websocket dialer.
	Dialer session.Dialer
	// Geo may be nil to disable location enrichment.
	Geo    *geo.Locator
	Config Config
	Now    func() time.Time
}

// Collector periodically harvests stats from every known game server and
// keeps the latest snapshot of each.
type Collector struct {
	logger  *zap.Logger
	servers ServerLister
	proxies proxypool.Source
	dialer  session.Dialer
	geo     *geo.Locator
	now     func() time.Time
	tracer  trace.Tracer
	metrics *metrics.CollectorMetrics

	config atomic.Pointer[Config]
	busy   atomic.Bool
	store  *snapshotStore
	cycles sync.WaitGroup

	closeCtx   context.Context
	closeFn    context.CancelFunc
	intervalIn chan time.Duration
	intervalCh <-chan time.Duration
}

func NewCollector(opts Options) *Collector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = session.NewWebSocketDialer()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	closeCtx, closeFn := context.WithCancel(context.Background())
	intervalIn := make(chan time.Duration)

	c := &Collector{
		logger:     logger,
		servers:    opts.Servers,
		proxies:    opts.Proxies,
		dialer:     dialer,
		geo:        opts.Geo,
		now:        now,
		tracer:     otel.Tracer("io.slither-bot.collector"),
		metrics:    metrics.GetCollectorMetrics(),
		store:      newSnapshotStore(),
		closeCtx:   closeCtx,
		closeFn:    closeFn,
		intervalIn: intervalIn,
		intervalCh: latestonlychannel.WrapContext[time.Duration](closeCtx, intervalIn),
	}

	cfg := opts.Config.withDefaults()
	c.config.Store(&cfg)

	return c
}

func (c *Collector) Config() Config {
	return *c.config.Load()
}

// Snapshots returns every stored snapshot ordered by server key.
func (c *Collector) Snapshots() []*Snapshot {
	return c.store.List()
}

func (c *Collector) Snapshot(key string) (*Snapshot, bool) {
	return c.store.Get(key)
}

func serverKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

// RunCycle collects every server once.  It returns ErrCycleInProgress without
// doing anything when another cycle is still running.
func (c *Collector) RunCycle(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		c.metrics.CyclesSkipped.Add(ctx, 1)
		return ErrCycleInProgress
	}
	defer c.busy.Store(false)

	cfg := c.Config()
	cycleID := uuid.NewString()
	logger := c.logger.With(zap.String("cycleId", cycleID))

	ctx, span := c.tracer.Start(ctx, "collection cycle",
		trace.WithAttributes(attribute.String("cycle.id", cycleID)))
	defer span.End()

	startTime := time.Now()
	c.metrics.Cycles.Add(ctx, 1)

	pool := proxypool.LoadFromSource(ctx, c.proxies, logger)
	if pool.Len() == 0 {
		logger.Warn("no proxies available, skipping collection cycle")
		span.SetStatus(codes.Error, ErrNoProxies.Error())
		return ErrNoProxies
	}

	var servers []directory.ServerDescriptor
	if c.servers != nil {
		servers = c.servers.Servers(ctx)
	}
	servers = sliceutils.RemoveDuplicatesFunc(servers, directory.ServerDescriptor.Key)
	if len(servers) == 0 {
		logger.Warn("no active servers found")
		return nil
	}

	if cfg.TestMode {
		servers = servers[:1]
	}

	logger.Debug("starting collection cycle",
		zap.Int("servers", len(servers)),
		zap.Int("proxies", pool.Len()))

	var failed atomic.Int64
	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(server directory.ServerDescriptor) {
			defer wg.Done()

			err := c.collectServer(ctx, logger, server, pool, cfg)
			if err != nil {
				failed.Add(1)
			}
		}(server)
	}
	wg.Wait()

	elapsed := time.Since(startTime)
	c.metrics.CycleDuration.Record(ctx, elapsed.Seconds())

	logger.Info("collection cycle complete",
		zap.Int("servers", len(servers)),
		zap.Int64("failed", failed.Load()),
		zap.Duration("elapsed", elapsed))

	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, session.ErrHandshake):
		return "handshake"
	case errors.Is(err, session.ErrTimeout):
		return "timeout"
	case errors.Is(err, session.ErrTransport):
		return "transport"
	}
	return "error"
}

func (c *Collector) attempt(ctx context.Context, server directory.ServerDescriptor, proxy *url.URL, cfg Config) (*session.Stats, error) {
	route := "direct"
	if proxy != nil {
		route = "proxy"
	}

	stats, err := session.Collect(ctx, session.Options{
		Logger:  c.logger.Named("session"),
		Target:  server.WebSocketURL(),
		Proxy:   proxy,
		Dialer:  c.dialer,
		Timeout: cfg.SessionTimeout,
		Now:     c.now,
	})

	c.metrics.SessionAttempts.Add(ctx, 1, metric.WithAttributes(
		metrics.RouteKey.String(route),
		metrics.OutcomeKey.String(outcomeOf(err))))

	return stats, err
}

// collectServer tries up to ProxyAttempts distinct proxies, then a direct
// connection for IPv6 servers.  A server whose attempts all fail loses its
// previous snapshot.
func (c *Collector) collectServer(
	ctx context.Context,
	logger *zap.Logger,
	server directory.ServerDescriptor,
	pool *proxypool.Pool,
	cfg Config,
) error {
	key := server.Key()
	logger = logger.With(zap.String("server", key))

	ctx, span := c.tracer.Start(ctx, "collect server",
		trace.WithAttributes(attribute.String("server.key", key)))
	defer span.End()

	candidates := pool.Clone()
	attempts := 0
	var lastErr error

	for attempts < cfg.ProxyAttempts {
		proxy := candidates.Draw()
		if proxy == nil {
			break
		}
		attempts++

		stats, err := c.attempt(ctx, server, proxy.URL, cfg)
		if err == nil {
			c.record(ctx, logger, server, stats)
			return nil
		}

		logger.Debug("proxy attempt failed",
			zap.String("proxy", proxy.Label),
			zap.Int("attempt", attempts),
			zap.Error(err))
		lastErr = err
	}

	if server.IsIPv6() {
		stats, err := c.attempt(ctx, server, nil, cfg)
		if err == nil {
			c.record(ctx, logger, server, stats)
			return nil
		}

		logger.Debug("direct ipv6 attempt failed", zap.Error(err))
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoProxies
	}
	err := fmt.Errorf("%w: %s after %d proxy attempt(s): %w", ErrExhaustedAttempts, key, attempts, lastErr)

	if c.store.Delete(key) {
		c.metrics.KnownSnapshots.Add(ctx, -1)
	}
	c.metrics.ServersFailed.Add(ctx, 1)

	span.RecordError(err)
	span.SetStatus(codes.Error, "collection failed")
	logger.Warn("failed to get stats", zap.Error(err))

	return err
}

func (c *Collector) record(ctx context.Context, logger *zap.Logger, server directory.ServerDescriptor, stats *session.Stats) {
	snapshot := &Snapshot{
		Address:      server.Address,
		Port:         server.Port,
		ClusterID:    server.ClusterID,
		Timestamp:    stats.Timestamp,
		TotalPlayers: stats.TotalPlayers,
		Rank:         stats.Rank,
		TotalScore:   stats.TotalScore,
		Leaderboard:  stats.Leaderboard,
		Minimap:      stats.Minimap,
		Location:     c.geo.Lookup(server.Address),
	}

	if c.store.Put(server.Key(), snapshot) {
		c.metrics.KnownSnapshots.Add(ctx, 1)
	}
	c.metrics.SnapshotsStored.Add(ctx, 1)

	logger.Debug("got stats",
		zap.Int("totalPlayers", snapshot.TotalPlayers),
		zap.Int("leaderboard", len(snapshot.Leaderboard)))
}
