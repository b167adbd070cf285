/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys used on the collector instruments.
var (
	OutcomeKey = attribute.Key("outcome")
	RouteKey   = attribute.Key("route")
)

type CollectorMetrics struct {
	Cycles          metric.Int64Counter
	CyclesSkipped   metric.Int64Counter
	CycleDuration   metric.Float64Histogram
	SessionAttempts metric.Int64Counter
	SnapshotsStored metric.Int64Counter
	ServersFailed   metric.Int64Counter
	KnownSnapshots  metric.Int64UpDownCounter
}

var (
	collectorMetrics     *CollectorMetrics
	collectorMetricsLock sync.Mutex
)

func GetCollectorMetrics() *CollectorMetrics {
	collectorMetricsLock.Lock()

	if collectorMetrics != nil {
		collectorMetricsLock.Unlock()
		return collectorMetrics
	}

	collectorMetrics = newCollectorMetrics()

	collectorMetricsLock.Unlock()
	return collectorMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/EagleD3v/slither-bot")

func newCollectorMetrics() *CollectorMetrics {
	meter := otel.Meter(
		"io.slither-bot.collector",
		metric.WithInstrumentationVersion(buildVersion))

	cycles, _ := meter.Int64Counter("collector_cycles_total")
	cyclesSkipped, _ := meter.Int64Counter("collector_cycles_skipped_total")
	cycleDuration, _ := meter.Float64Histogram("collector_cycle_duration_seconds",
		metric.WithUnit("s"))
	sessionAttempts, _ := meter.Int64Counter("collector_session_attempts_total")
	snapshotsStored, _ := meter.Int64Counter("collector_snapshots_stored_total")
	serversFailed, _ := meter.Int64Counter("collector_servers_failed_total")
	knownSnapshots, _ := meter.Int64UpDownCounter("collector_snapshots")

	return &CollectorMetrics{
		Cycles:          cycles,
		CyclesSkipped:   cyclesSkipped,
		CycleDuration:   cycleDuration,
		SessionAttempts: sessionAttempts,
		SnapshotsStored: snapshotsStored,
		ServersFailed:   serversFailed,
		KnownSnapshots:  knownSnapshots,
	}
}
