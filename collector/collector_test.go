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
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EagleD3v/slither-bot/collector/directory"
	"github.com/EagleD3v/slither-bot/collector/proxypool"
	"github.com/EagleD3v/slither-bot/testutils"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const testSecret = "QwErTyUiOpAsDfGhJkLzXcVbNmQ"

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	serverA = directory.ServerDescriptor{Address: "1.2.3.4", Port: 444, ClusterID: 7, IsActive: true}
	serverB = directory.ServerDescriptor{Address: "5.6.7.8", Port: 445, ClusterID: 8, IsActive: true}
	serverC = directory.ServerDescriptor{Address: "[2001:db8:0:0:0:0:0:1]", Port: 444, ClusterID: 1007, IsActive: true}
)

var errRefused = errors.New("connection refused")

type staticServers []directory.ServerDescriptor

func (s staticServers) Servers(ctx context.Context) []directory.ServerDescriptor {
	return s
}

func goodScript() *testutils.Script {
	return &testutils.Script{
		Challenge: testutils.ChallengePacket(testutils.SecretFragment(27, testSecret)),
		Frames: testutils.Frames(
			testutils.LeaderboardPacket(1, 42,
				testutils.LeaderboardRow{Segments: 50, Fraction: 1000, Color: 2, Name: "snek"}),
			testutils.MinimapPacket(40, 0x7f),
		),
	}
}

func badHandshakeScript() *testutils.Script {
	return &testutils.Script{Challenge: []byte("6abc123")}
}

type CollectorTestSuite struct {
	suite.Suite

	logger  *zap.Logger
	dialer  *testutils.FakeDialer
	proxies proxypool.StaticSource

	lock    sync.Mutex
	handler func(target string, proxy *url.URL) (*testutils.Script, error)
}

func (s *CollectorTestSuite) SetupTest() {
	s.logger, _ = zap.NewDevelopment()
	s.proxies = proxypool.StaticSource{
		"10.0.0.1:8080",
		"10.0.0.2:8080",
		"10.0.0.3:8080",
		"10.0.0.4:8080",
	}
	s.setHandler(func(target string, proxy *url.URL) (*testutils.Script, error) {
		return goodScript(), nil
	})
	s.dialer = &testutils.FakeDialer{
		Handler: func(target string, proxy *url.URL) (*testutils.Script, error) {
			s.lock.Lock()
			handler := s.handler
			s.lock.Unlock()
			return handler(target, proxy)
		},
	}
}

func (s *CollectorTestSuite) setHandler(handler func(target string, proxy *url.URL) (*testutils.Script, error)) {
	s.lock.Lock()
	s.handler = handler
	s.lock.Unlock()
}

func (s *CollectorTestSuite) newCollector(servers ...directory.ServerDescriptor) *Collector {
	return NewCollector(Options{
		Logger:  s.logger,
		Servers: staticServers(servers),
		Proxies: s.proxies,
		Dialer:  s.dialer,
		Config: Config{
			SessionTimeout: 2 * time.Second,
		},
		Now: func() time.Time { return fixedTime },
	})
}

func (s *CollectorTestSuite) dialsTo(target string) []testutils.Dial {
	var out []testutils.Dial
	for _, dial := range s.dialer.Dials() {
		if strings.Contains(dial.Target, target) {
			out = append(out, dial)
		}
	}
	return out
}

func (s *CollectorTestSuite) TestCollectsEveryServer() {
	c := s.newCollector(serverA, serverB, serverA)

	s.Require().NoError(c.RunCycle(context.Background()))

	snapshots := c.Snapshots()
	s.Require().Len(snapshots, 2)
	s.Equal("1.2.3.4:444", snapshots[0].Key())
	s.Equal("5.6.7.8:445", snapshots[1].Key())

	snap, ok := c.Snapshot("1.2.3.4:444")
	s.Require().True(ok)
	s.Equal(7, snap.ClusterID)
	s.Equal(42, snap.TotalPlayers)
	s.Equal(fixedTime, snap.Timestamp)
	s.Require().Len(snap.Leaderboard, 1)
	s.Equal("snek", snap.Leaderboard[0].Name)
	s.Nil(snap.Location)

	// duplicates in the server list are only collected once
	s.Len(s.dialsTo("1.2.3.4"), 1)
	for _, dial := range s.dialer.Dials() {
		s.NotEmpty(dial.Proxy, "every attempt goes through a proxy")
	}

	encoded, err := json.Marshal(snap)
	s.Require().NoError(err)

	var fields map[string]interface{}
	s.Require().NoError(json.Unmarshal(encoded, &fields))
	s.Equal("1.2.3.4", fields["ip"])
	s.Equal(float64(444), fields["port"])
	s.Equal(float64(7), fields["cluster"])
	s.Contains(fields, "totalScore")
	s.Contains(fields, "leaderboard")
	s.True(strings.HasPrefix(fields["minimap"].(string), "data:image/png;base64,"))
	s.NotContains(fields, "countryCode")
}

func (s *CollectorTestSuite) TestExhaustedAttemptsRemoveSnapshot() {
	c := s.newCollector(serverA)

	s.Require().NoError(c.RunCycle(context.Background()))
	_, ok := c.Snapshot(serverA.Key())
	s.Require().True(ok)

	s.setHandler(func(target string, proxy *url.URL) (*testutils.Script, error) {
		return nil, errRefused
	})

	err := c.collectServer(context.Background(), s.logger, serverA,
		proxypool.LoadFromSource(context.Background(), s.proxies, nil), c.Config())
	s.Require().ErrorIs(err, ErrExhaustedAttempts)
	s.Require().ErrorIs(err, errRefused)

	_, ok = c.Snapshot(serverA.Key())
	s.False(ok, "stale snapshot must be removed")

	// one dial for the first cycle, three distinct proxies for the second
	dials := s.dialsTo("1.2.3.4")
	s.Require().Len(dials, 4)
	seen := map[string]bool{}
	for _, dial := range dials[1:] {
		s.NotEmpty(dial.Proxy)
		s.False(seen[dial.Proxy], "proxy reused within one server's attempts")
		seen[dial.Proxy] = true
	}
}

func (s *CollectorTestSuite) TestRetriesUntilSuccess() {
	var calls atomic.Int32
	s.setHandler(func(target string, proxy *url.URL) (*testutils.Script, error) {
		if calls.Add(1) < 3 {
			return nil, errRefused
		}
		return goodScript(), nil
	})

	c := s.newCollector(serverA)
	s.Require().NoError(c.RunCycle(context.Background()))

	_, ok := c.Snapshot(serverA.Key())
	s.True(ok)
	s.Len(s.dialsTo("1.2.3.4"), 3)
}

func (s *CollectorTestSuite) TestIPv6FallsBackToDirect() {
	s.setHandler(func(target string, proxy *url.URL) (*testutils.Script, error) {
		if proxy != nil {
			return badHandshakeScript(), nil
		}
		return goodScript(), nil
	})

	c := s.newCollector(serverC, serverA)
	s.Require().NoError(c.RunCycle(context.Background()))

	_, ok := c.Snapshot(serverC.Key())
	s.True(ok, "direct attempt should have succeeded")
	_, ok = c.Snapshot(serverA.Key())
	s.False(ok, "ipv4 servers never connect directly")

	dials := s.dialsTo("2001:db8")
	s.Require().Len(dials, 4)
	s.Empty(dials[3].Proxy)
	s.Equal("ws://[2001:db8:0:0:0:0:0:1]:444/slither", dials[3].Target)

	s.Len(s.dialsTo("1.2.3.4"), 3)
}

func (s *CollectorTestSuite) TestIPv6ExhaustsProxiesThenDirect() {
	c := s.newCollector(serverC)
	s.Require().NoError(c.RunCycle(context.Background()))
	_, ok := c.Snapshot(serverC.Key())
	s.Require().True(ok)

	s.setHandler(func(target string, proxy *url.URL) (*testutils.Script, error) {
		return nil, errRefused
	})
	before := len(s.dialsTo("2001:db8"))

	pool := proxypool.LoadFromSource(context.Background(), s.proxies, s.logger)
	err := c.collectServer(context.Background(), s.logger, serverC, pool, c.Config())
	s.Require().ErrorIs(err, ErrExhaustedAttempts)
	s.Require().ErrorIs(err, errRefused)

	dials := s.dialsTo("2001:db8")[before:]
	s.Require().Len(dials, 4)
	for _, dial := range dials[:3] {
		s.NotEmpty(dial.Proxy)
	}
	s.Empty(dials[3].Proxy)

	_, ok = c.Snapshot(serverC.Key())
	s.False(ok, "stale snapshot should be removed")
}

func (s *CollectorTestSuite) TestFailuresAreIsolated() {
	s.setHandler(func(target string, proxy *url.URL) (*testutils.Script, error) {
		if strings.Contains(target, serverA.Address) {
			return badHandshakeScript(), nil
		}
		return goodScript(), nil
	})

	c := s.newCollector(serverA, serverB)
	s.Require().NoError(c.RunCycle(context.Background()))

	_, ok := c.Snapshot(serverA.Key())
	s.False(ok)
	_, ok = c.Snapshot(serverB.Key())
	s.True(ok)
}

func (s *CollectorTestSuite) TestFewerProxiesThanAttempts() {
	s.proxies = proxypool.StaticSource{"10.0.0.1:8080", "# disabled", "bogus://x"}
	s.setHandler(func(target string, proxy *url.URL) (*testutils.Script, error) {
		return nil, errRefused
	})

	c := s.newCollector(serverA)
	s.Require().NoError(c.RunCycle(context.Background()))
	s.Len(s.dialsTo("1.2.3.4"), 1)
}

func (s *CollectorTestSuite) TestNoProxiesAbortsCycle() {
	c := s.newCollector(serverA)
	s.Require().NoError(c.RunCycle(context.Background()))

	c.proxies = proxypool.StaticSource{"# nothing usable"}
	s.Require().ErrorIs(c.RunCycle(context.Background()), ErrNoProxies)

	// the earlier snapshot survives an aborted cycle
	_, ok := c.Snapshot(serverA.Key())
	s.True(ok)
	s.Len(s.dialer.Dials(), 1)
}

func (s *CollectorTestSuite) TestOverlappingCycleIsDropped() {
	release := make(chan struct{})
	dialing := make(chan struct{}, 1)
	s.setHandler(func(target string, proxy *url.URL) (*testutils.Script, error) {
		select {
		case dialing <- struct{}{}:
		default:
		}
		<-release
		return goodScript(), nil
	})

	c := s.newCollector(serverA)

	done := make(chan error, 1)
	go func() {
		done <- c.RunCycle(context.Background())
	}()

	<-dialing
	s.Require().ErrorIs(c.RunCycle(context.Background()), ErrCycleInProgress)

	close(release)
	s.Require().NoError(<-done)

	// the flag is cleared once the cycle finishes
	s.Require().NoError(c.RunCycle(context.Background()))
}

func (s *CollectorTestSuite) TestTestModeOnlyCollectsFirstServer() {
	c := NewCollector(Options{
		Logger:  s.logger,
		Servers: staticServers{serverA, serverB},
		Proxies: s.proxies,
		Dialer:  s.dialer,
		Config:  Config{TestMode: true},
	})

	s.Require().NoError(c.RunCycle(context.Background()))
	s.Len(c.Snapshots(), 1)
	s.Empty(s.dialsTo("5.6.7.8"))
}

func (s *CollectorTestSuite) TestRunLoop() {
	c := NewCollector(Options{
		Logger:  s.logger,
		Servers: staticServers{serverA},
		Proxies: s.proxies,
		Dialer:  s.dialer,
		Config:  Config{RefreshInterval: time.Hour},
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- c.Run(context.Background())
	}()

	// the first cycle runs right away
	s.Eventually(func() bool { return len(c.Snapshots()) == 1 }, 5*time.Second, 10*time.Millisecond)

	c.Reconfigure(Config{RefreshInterval: 20 * time.Millisecond})
	s.Equal(20*time.Millisecond, c.Config().RefreshInterval)
	s.Equal(DefaultProxyAttempts, c.Config().ProxyAttempts)

	s.Eventually(func() bool { return len(s.dialer.Dials()) >= 3 }, 5*time.Second, 10*time.Millisecond)

	c.Shutdown()
	select {
	case err := <-runDone:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("run loop did not stop")
	}
}

func TestCollector(t *testing.T) {
	suite.Run(t, new(CollectorTestSuite))
}
