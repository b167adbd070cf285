/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/EagleD3v/slither-bot/collector/session"
	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("fake connection closed")

const initFrameLen = 28

// Script is the server side of one fake session.  The challenge packet is
// framed and sent once the client announces itself, the data frames are sent
// as is once the init frame arrives.
type Script struct {
	Challenge []byte
	Frames    [][]byte
	// Hangup closes the read side after the data frames have been sent.
	Hangup bool
}

// FakeConn is an in-memory game server connection driven by a Script.
type FakeConn struct {
	script  Script
	inbound chan []byte
	closed  chan struct{}

	closeOnce sync.Once
	closes    atomic.Int32

	lock   sync.Mutex
	writes [][]byte
}

func NewFakeConn(script Script) *FakeConn {
	return &FakeConn{
		script:  script,
		inbound: make(chan []byte, len(script.Frames)+4),
		closed:  make(chan struct{}),
	}
}

func (c *FakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-c.inbound:
		if !ok || frame == nil {
			return 0, nil, ErrConnClosed
		}
		return websocket.BinaryMessage, frame, nil
	case <-c.closed:
		return 0, nil, ErrConnClosed
	}
}

func (c *FakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.lock.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.lock.Unlock()

	switch {
	case len(data) == 2 && data[0] == 'c':
		if c.script.Challenge != nil {
			c.inbound <- Frame(c.script.Challenge)
		}
	case len(data) == initFrameLen && data[0] == 115:
		for _, frame := range c.script.Frames {
			c.inbound <- frame
		}
		if c.script.Hangup {
			c.inbound <- nil
		}
	}

	return nil
}

func (c *FakeConn) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *FakeConn) Writes() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *FakeConn) Closes() int {
	return int(c.closes.Load())
}

// Dial records one dial made through a FakeDialer.
type Dial struct {
	Target string
	Proxy  string
}

// FakeDialer hands out scripted connections.  Handler decides per dial what
// the server does, returning an error fails the dial itself.
type FakeDialer struct {
	Handler func(target string, proxy *url.URL) (*Script, error)

	lock  sync.Mutex
	dials []Dial
	conns []*FakeConn
}

func (d *FakeDialer) Dial(ctx context.Context, target string, proxy *url.URL) (session.Conn, error) {
	dial := Dial{Target: target}
	if proxy != nil {
		dial.Proxy = proxy.String()
	}

	d.lock.Lock()
	d.dials = append(d.dials, dial)
	d.lock.Unlock()

	script, err := d.Handler(target, proxy)
	if err != nil {
		return nil, err
	}

	conn := NewFakeConn(*script)

	d.lock.Lock()
	d.conns = append(d.conns, conn)
	d.lock.Unlock()

	return conn, nil
}

func (d *FakeDialer) Dials() []Dial {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]Dial(nil), d.dials...)
}

func (d *FakeDialer) Conns() []*FakeConn {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// SecretFragment builds the script fragment a server hides in its challenge.
// The first part is assigned, the rest appended.
func SecretFragment(bound int, parts ...string) string {
	var b strings.Builder
	for i, part := range parts {
		switch {
		case i == 0:
			fmt.Fprintf(&b, "var a = '%s';", part)
		case i%2 == 1:
			fmt.Fprintf(&b, " a += \"%s\";", part)
		default:
			fmt.Fprintf(&b, " a = a + '%s';", part)
		}
	}
	fmt.Fprintf(&b, " for (var i = 0; i < %d; i++) { b[i] = a.charCodeAt(i); }", bound)
	return b.String()
}

// ChallengePacket returns a '6' packet hiding fragment.
func ChallengePacket(fragment string) []byte {
	return append([]byte{'6'}, session.EncodeChallenge(fragment)...)
}

// ExpectedIdentifier is the identifier a client answers with when the
// challenge secret covers the whole identifier.
func ExpectedIdentifier(secret string) []byte {
	id := []byte(secret[:session.IdentifierLength])
	session.TransformIdentifier(id)
	return id
}

type LeaderboardRow struct {
	Segments int
	Fraction int
	Color    byte
	Name     string
}

func LeaderboardPacket(rank, totalPlayers int, rows ...LeaderboardRow) []byte {
	packet := []byte{'l', 0, byte(rank >> 8), byte(rank), byte(totalPlayers >> 8), byte(totalPlayers)}
	for _, row := range rows {
		packet = append(packet,
			byte(row.Segments>>8), byte(row.Segments),
			byte(row.Fraction>>16), byte(row.Fraction>>8), byte(row.Fraction),
			row.Color, byte(len(row.Name)))
		packet = append(packet, row.Name...)
	}
	return packet
}

func MinimapPacket(size int, data ...byte) []byte {
	return append([]byte{'M', byte(size >> 8), byte(size)}, data...)
}

func ArenaPacket(maxSegments int) []byte {
	return []byte{'a', 0, 0x52, 0x08, byte(maxSegments >> 8), byte(maxSegments), 0, 0x7e, 0, 0x90, 0x30}
}

// Frame packs several packets into one frame, each behind its length prefix.
func Frame(packets ...[]byte) []byte {
	var frame []byte
	for _, packet := range packets {
		if len(packet) < 256-32 {
			frame = append(frame, byte(32+len(packet)))
		} else {
			frame = append(frame, 0, byte(len(packet)>>8), byte(len(packet)))
		}
		frame = append(frame, packet...)
	}
	return frame
}

// Frames returns one single-packet frame per packet.
func Frames(packets ...[]byte) [][]byte {
	frames := make([][]byte, 0, len(packets))
	for _, packet := range packets {
		frames = append(frames, Frame(packet))
	}
	return frames
}
