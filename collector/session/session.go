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
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/EagleD3v/slither-bot/collector/minimap"
	"github.com/EagleD3v/slither-bot/collector/scoretable"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultTimeout = 15 * time.Second

var (
	pingFrame   = []byte{1}
	clientFrame = []byte{'c', 0}
)

type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateAwaitingData
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingData:
		return "awaiting_data"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Stats is what a completed session yields.
type Stats struct {
	TotalPlayers int
	Rank         int
	TotalScore   int
	Leaderboard  []LeaderboardEntry
	Minimap      *minimap.Image
	Timestamp    time.Time
}

type Options struct {
	Logger *zap.Logger
	// Target is the websocket URL of the game server.
	Target string
	// Proxy routes the connection, nil dials directly.
	Proxy   *url.URL
	Dialer  Dialer
	Timeout time.Duration
	Now     func() time.Time
	Rand    *rand.Rand
	// ScoreTable defaults to a private table for DefaultMaxSegments.
	ScoreTable *scoretable.Table
}

// Session is one connection attempt to one game server.  It resolves exactly
// once, either with Stats or with an error, and always tears the transport
// down when it does.
type Session struct {
	logger  *zap.Logger
	target  string
	proxy   *url.URL
	dialer  Dialer
	timeout time.Duration
	now     func() time.Time
	rng     *rand.Rand
	table   *scoretable.Table
	result  *resultCell

	startOnce    sync.Once
	timerOnce    sync.Once
	teardownOnce sync.Once

	lock        sync.Mutex
	state       State
	conn        Conn
	cancel      context.CancelFunc
	timer       *time.Timer
	leaderboard *Leaderboard
	minimap     *minimap.Image
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWebSocketDialer()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	table := opts.ScoreTable
	if table == nil {
		table = scoretable.New(scoretable.DefaultMaxSegments)
	}

	return &Session{
		logger:  logger,
		target:  opts.Target,
		proxy:   opts.Proxy,
		dialer:  dialer,
		timeout: timeout,
		now:     now,
		rng:     rng,
		table:   table,
		result:  newResultCell(),
		state:   StateConnecting,
	}
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Start dials the server and begins processing frames in the background.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)

		s.lock.Lock()
		s.cancel = cancel
		s.lock.Unlock()

		go s.run(runCtx)
	})
}

func (s *Session) run(ctx context.Context) {
	conn, err := s.dialer.Dial(ctx, s.target, s.proxy)
	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}

	if !s.open(conn) {
		return
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("%w: connection closed before stats: %w", ErrTransport, err))
			return
		}

		s.HandleFrame(frame)
	}
}

func (s *Session) open(conn Conn) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state.Terminal() {
		// resolved while dialing, nobody else will close this one
		_ = conn.Close()
		return false
	}

	s.conn = conn
	s.logger.Debug("connected", zap.String("target", s.target))

	if !s.sendLocked(pingFrame) || !s.sendLocked(clientFrame) {
		return false
	}

	s.setStateLocked(StateHandshaking)
	return true
}

// Wait blocks until the session resolves.  The first call arms the timeout.
func (s *Session) Wait(ctx context.Context) (*Stats, error) {
	s.timerOnce.Do(func() {
		s.lock.Lock()
		defer s.lock.Unlock()

		if s.state.Terminal() {
			return
		}
		s.timer = time.AfterFunc(s.timeout, func() {
			s.fail(fmt.Errorf("%w after %s", ErrTimeout, s.timeout))
		})
	})

	select {
	case <-s.result.done:
	case <-ctx.Done():
		s.fail(ctx.Err())
	}

	return s.result.wait(context.Background())
}

// Close abandons the session if it is still running.
func (s *Session) Close() {
	s.fail(fmt.Errorf("%w: session closed", ErrTransport))
}

func (s *Session) fail(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.resolveLocked(nil, err)
}

func (s *Session) resolveLocked(stats *Stats, err error) {
	if s.state.Terminal() {
		return
	}

	if err != nil {
		s.setStateLocked(StateFailed)
		s.logger.Debug("session failed", zap.String("target", s.target), zap.Error(err))
	} else {
		s.setStateLocked(StateComplete)
	}

	s.result.settle(stats, err)
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	s.teardownOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Session) setStateLocked(state State) {
	if state <= s.state {
		return
	}
	s.state = state
}

func (s *Session) sendLocked(data []byte) bool {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.resolveLocked(nil, fmt.Errorf("%w: write: %w", ErrTransport, err))
		return false
	}
	return true
}

// HandleFrame processes one transport frame.
func (s *Session) HandleFrame(frame []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, packet := range SplitFrame(frame) {
		if s.state.Terminal() {
			return
		}
		s.handlePacketLocked(packet[0], packet[1:])
	}
}

func (s *Session) handlePacketLocked(cmd byte, body []byte) {
	switch s.state {
	case StateHandshaking:
		if cmd == '6' {
			s.handshakeLocked(body)
		} else {
			s.logger.Debug("ignoring packet before handshake", zap.String("cmd", string(rune(cmd))))
		}
		return
	case StateAwaitingData:
	default:
		return
	}

	switch cmd {
	case 'a':
		cfg, err := DecodeArenaConfig(body)
		if err != nil {
			s.logger.Debug("dropping packet", zap.Error(err))
			return
		}
		if s.table.Rebuild(cfg.MaxSegments) {
			s.logger.Debug("rebuilt score table", zap.Int("maxSegments", cfg.MaxSegments))
		}
	case 'M':
		if len(body) < 2 {
			s.logger.Debug("dropping packet", zap.Error(fmt.Errorf("%w: minimap without size", ErrMalformed)))
			return
		}
		img, err := minimap.Render(u16(body), body[2:])
		if err != nil {
			s.logger.Debug("dropping packet", zap.Error(err))
			return
		}
		s.minimap = img
		s.maybeCompleteLocked()
	case 'l':
		lb, err := DecodeLeaderboard(body, s.table)
		if err != nil {
			s.logger.Debug("dropping packet", zap.Error(err))
			return
		}
		s.leaderboard = lb
		s.maybeCompleteLocked()
	case '6', 'U', 'L', 'u':
	default:
	}
}

func (s *Session) handshakeLocked(body []byte) {
	hs, err := RespondToChallenge(string(body), s.rng)
	if err != nil {
		s.resolveLocked(nil, err)
		return
	}

	if !s.sendLocked(hs.Identifier) || !s.sendLocked(hs.Init) {
		return
	}

	s.setStateLocked(StateAwaitingData)
}

func (s *Session) maybeCompleteLocked() {
	if s.leaderboard == nil || s.minimap == nil {
		return
	}

	entries := make([]LeaderboardEntry, len(s.leaderboard.Entries))
	copy(entries, s.leaderboard.Entries)

	s.resolveLocked(&Stats{
		TotalPlayers: s.leaderboard.TotalPlayers,
		Rank:         s.leaderboard.Rank,
		TotalScore:   s.leaderboard.TotalScore,
		Leaderboard:  entries,
		Minimap:      s.minimap,
		Timestamp:    s.now(),
	}, nil)
}

// Collect runs a session against one server and returns its stats.  The
// transport is torn down before returning.
func Collect(ctx context.Context, opts Options) (*Stats, error) {
	s := New(opts)
	defer s.Close()

	s.Start(ctx)
	return s.Wait(ctx)
}
