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
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the message oriented transport a session runs over.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport to target, through proxy when it is non-nil.
type Dialer interface {
	Dial(ctx context.Context, target string, proxy *url.URL) (Conn, error)
}

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36 OPR/122.0.0.0"
	browserLanguage  = "en-US,en;q=0.9,de;q=0.8"
	gameOrigin       = "http://slither.com"
)

func DefaultHeader() http.Header {
	header := http.Header{}
	header.Set("Accept-Language", browserLanguage)
	header.Set("Cache-Control", "no-cache")
	header.Set("Origin", gameOrigin)
	header.Set("Pragma", "no-cache")
	header.Set("User-Agent", browserUserAgent)
	return header
}

// WebSocketDialer dials game servers with gorilla/websocket, presenting the
// headers of a regular browser client.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every write so a stalled socket cannot hold the
	// session lock past its timeout.
	WriteTimeout time.Duration
	Header       http.Header
}

const DefaultWriteTimeout = 5 * time.Second

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     DefaultWriteTimeout,
		Header:           DefaultHeader(),
	}
}

type deadlineSetter interface {
	Conn
	SetWriteDeadline(t time.Time) error
}

// deadlineConn arms a fresh write deadline before every write.
type deadlineConn struct {
	deadlineSetter
	timeout time.Duration
	now     func() time.Time
}

func withWriteTimeout(conn deadlineSetter, timeout time.Duration) Conn {
	if timeout <= 0 {
		return conn
	}
	return &deadlineConn{
		deadlineSetter: conn,
		timeout:        timeout,
		now:            time.Now,
	}
}

func (c *deadlineConn) WriteMessage(messageType int, data []byte) error {
	if err := c.SetWriteDeadline(c.now().Add(c.timeout)); err != nil {
		return err
	}
	return c.deadlineSetter.WriteMessage(messageType, data)
}

func (d *WebSocketDialer) Dial(ctx context.Context, target string, proxy *url.URL) (Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: true,
	}
	if proxy != nil {
		dialer.Proxy = http.ProxyURL(proxy)
	}

	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s: %w", ErrTransport, target, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, target, err)
	}

	return withWriteTimeout(conn, d.WriteTimeout), nil
}
