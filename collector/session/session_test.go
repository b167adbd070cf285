/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package session_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/EagleD3v/slither-bot/collector/scoretable"
	"github.com/EagleD3v/slither-bot/collector/session"
	"github.com/EagleD3v/slither-bot/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "QwErTyUiOpAsDfGhJkLzXcVbNmQ"

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func challenge() []byte {
	return testutils.ChallengePacket(testutils.SecretFragment(27, testSecret[:9], testSecret[9:18], testSecret[18:]))
}

func leaderboard() []byte {
	return testutils.LeaderboardPacket(3, 150,
		testutils.LeaderboardRow{Segments: 120, Fraction: 1 << 23, Color: 4, Name: "alpha"},
		testutils.LeaderboardRow{Segments: 40, Fraction: 0, Color: 10, Name: " "},
	)
}

func minimapPacket() []byte {
	return testutils.MinimapPacket(80, 0x7f, 128+10, 0x41)
}

func newSession(t *testing.T, dialer session.Dialer) *session.Session {
	logger, _ := zap.NewDevelopment()
	return session.New(session.Options{
		Logger: logger,
		Target: "ws://1.2.3.4:444/slither",
		Dialer: dialer,
		Now:    func() time.Time { return fixedTime },
	})
}

func runScript(t *testing.T, script testutils.Script) (*session.Stats, *testutils.FakeDialer, error) {
	dialer := &testutils.FakeDialer{
		Handler: func(target string, proxy *url.URL) (*testutils.Script, error) {
			return &script, nil
		},
	}

	s := newSession(t, dialer)
	s.Start(context.Background())
	stats, err := s.Wait(context.Background())
	return stats, dialer, err
}

func TestSessionCompletes(t *testing.T) {
	stats, dialer, err := runScript(t, testutils.Script{
		Challenge: challenge(),
		Frames: [][]byte{
			testutils.Frame(testutils.ArenaPacket(500)),
			testutils.Frame(leaderboard(), minimapPacket()),
		},
	})
	require.NoError(t, err)

	require.Equal(t, 150, stats.TotalPlayers)
	require.Equal(t, 3, stats.Rank)
	require.Len(t, stats.Leaderboard, 2)
	require.Equal(t, "alpha", stats.Leaderboard[0].Name)
	require.Equal(t, session.UnnamedPlayer, stats.Leaderboard[1].Name)
	require.Equal(t, 2, stats.Leaderboard[1].Rank)
	require.Equal(t, 1, stats.Leaderboard[1].ColorIndex)
	require.Equal(t, stats.Leaderboard[0].Score+stats.Leaderboard[1].Score, stats.TotalScore)
	require.Equal(t, 80, stats.Minimap.Size)
	require.Equal(t, 9, stats.Minimap.Foreground)
	require.Equal(t, fixedTime, stats.Timestamp)

	// the arena config changed the segment limit before scoring
	table := scoretable.New(500)
	require.Equal(t, table.Score(120, float64(1<<23)/16777215), stats.Leaderboard[0].Score)

	conns := dialer.Conns()
	require.Len(t, conns, 1)
	writes := conns[0].Writes()
	require.Len(t, writes, 4)
	require.Equal(t, []byte{1}, writes[0])
	require.Equal(t, []byte{'c', 0}, writes[1])
	require.Equal(t, testutils.ExpectedIdentifier(testSecret), writes[2])
	require.Len(t, writes[3], 28)

	require.Eventually(t, func() bool { return conns[0].Closes() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionOrderIndependent(t *testing.T) {
	lbFirst, _, err := runScript(t, testutils.Script{
		Challenge: challenge(),
		Frames:    testutils.Frames(leaderboard(), minimapPacket()),
	})
	require.NoError(t, err)

	mapFirst, _, err := runScript(t, testutils.Script{
		Challenge: challenge(),
		Frames:    testutils.Frames(minimapPacket(), leaderboard()),
	})
	require.NoError(t, err)

	require.Equal(t, lbFirst, mapFirst)
}

func TestSessionIgnoresUnknownCommands(t *testing.T) {
	_, _, err := runScript(t, testutils.Script{
		Challenge: challenge(),
		Frames: [][]byte{
			testutils.Frame([]byte("U12"), []byte("L"), []byte("u"), []byte("6again"), []byte("Zzz")),
			testutils.Frame([]byte{'a', 1}),
			testutils.Frame(leaderboard()),
			testutils.Frame(minimapPacket()),
		},
	})
	require.NoError(t, err)
}

func TestSessionNeedsBothParts(t *testing.T) {
	dialer := &testutils.FakeDialer{
		Handler: func(target string, proxy *url.URL) (*testutils.Script, error) {
			return &testutils.Script{
				Challenge: challenge(),
				Frames:    testutils.Frames(leaderboard(), leaderboard()),
				Hangup:    true,
			}, nil
		},
	}

	s := newSession(t, dialer)
	s.Start(context.Background())
	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, session.ErrTransport)
	require.Equal(t, session.StateFailed, s.State())
}

func TestSessionHandshakeFailure(t *testing.T) {
	stats, dialer, err := runScript(t, testutils.Script{
		Challenge: []byte("6abc123"),
		Frames:    testutils.Frames(leaderboard(), minimapPacket()),
	})
	require.ErrorIs(t, err, session.ErrHandshake)
	require.Nil(t, stats)

	conn := dialer.Conns()[0]
	// no identifier or init frame was sent
	require.Len(t, conn.Writes(), 2)
	require.Eventually(t, func() bool { return conn.Closes() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionDialFailure(t *testing.T) {
	dialer := &testutils.FakeDialer{
		Handler: func(target string, proxy *url.URL) (*testutils.Script, error) {
			return nil, errors.New("connection refused")
		},
	}

	s := newSession(t, dialer)
	s.Start(context.Background())
	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, session.ErrTransport)
}

func TestSessionTimeout(t *testing.T) {
	dialer := &testutils.FakeDialer{
		Handler: func(target string, proxy *url.URL) (*testutils.Script, error) {
			// the server never answers
			return &testutils.Script{}, nil
		},
	}

	s := session.New(session.Options{
		Target:  "ws://1.2.3.4:444/slither",
		Dialer:  dialer,
		Timeout: 50 * time.Millisecond,
	})
	s.Start(context.Background())

	start := time.Now()
	_, err := s.Wait(context.Background())
	require.ErrorIs(t, err, session.ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)

	// later waiters see the same outcome without re-arming anything
	_, again := s.Wait(context.Background())
	require.Equal(t, err, again)

	conn := dialer.Conns()[0]
	s.Close()
	s.HandleFrame(testutils.Frame(leaderboard()))
	require.Equal(t, session.StateFailed, s.State())
	require.Equal(t, 1, conn.Closes())
}

func TestCollectRoutesThroughProxy(t *testing.T) {
	proxy, err := url.Parse("socks5://9.9.9.9:1080")
	require.NoError(t, err)

	dialer := &testutils.FakeDialer{
		Handler: func(target string, proxy *url.URL) (*testutils.Script, error) {
			return &testutils.Script{
				Challenge: challenge(),
				Frames:    testutils.Frames(minimapPacket(), leaderboard()),
			}, nil
		},
	}

	stats, err := session.Collect(context.Background(), session.Options{
		Target: "ws://[2001:db8::1]:444/slither",
		Proxy:  proxy,
		Dialer: dialer,
	})
	require.NoError(t, err)
	require.NotNil(t, stats)

	dials := dialer.Dials()
	require.Len(t, dials, 1)
	assert.Equal(t, "socks5://9.9.9.9:1080", dials[0].Proxy)
	assert.True(t, strings.HasPrefix(dials[0].Target, "ws://[2001:db8::1]"))
}

func TestCollectCancelled(t *testing.T) {
	dialer := &testutils.FakeDialer{
		Handler: func(target string, proxy *url.URL) (*testutils.Script, error) {
			return &testutils.Script{}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := session.Collect(ctx, session.Options{
		Target: "ws://1.2.3.4:444/slither",
		Dialer: dialer,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionLongLengthPrefix(t *testing.T) {
	var rows []testutils.LeaderboardRow
	for i := 0; i < 10; i++ {
		rows = append(rows, testutils.LeaderboardRow{Segments: 20 + i, Color: byte(i), Name: strings.Repeat("x", 20)})
	}
	lb := testutils.LeaderboardPacket(1, 500, rows...)
	frame := testutils.Frame(lb, minimapPacket())
	require.Less(t, frame[0], byte(32))

	stats, _, err := runScript(t, testutils.Script{
		Challenge: challenge(),
		Frames:    [][]byte{frame},
	})
	require.NoError(t, err)
	require.Len(t, stats.Leaderboard, 10)
	require.Equal(t, 500, stats.TotalPlayers)
}
