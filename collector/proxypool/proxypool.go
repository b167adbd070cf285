/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package proxypool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/EagleD3v/slither-bot/utils/sliceutils"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var ErrInvalidProxy = errors.New("invalid proxy")

var (
	schemeRe       = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://`)
	hostPortAuthRe = regexp.MustCompile(`^([^:\s]+):(\d+):([^:\s]+):(\S+)$`)
	credentialsRe  = regexp.MustCompile(`//([^@/]*)@`)
)

var supportedSchemes = []string{"http", "https", "socks5", "socks5h"}

// Proxy is a forward proxy that sessions can be routed through.  Label is
// safe to log, URL may carry credentials.
type Proxy struct {
	URL   *url.URL
	Label string
}

func (p *Proxy) String() string {
	return p.Label
}

func redact(rawURL string) string {
	return credentialsRe.ReplaceAllString(rawURL, "//***:***@")
}

// ParseLine normalizes one proxy list entry into a proxy URL.  Accepted forms
// are a full URL, host:port, user:pass@host:port and host:port:user:pass.
func ParseLine(line string) (*Proxy, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrInvalidProxy)
	}

	rawURL := line
	if !schemeRe.MatchString(rawURL) {
		if m := hostPortAuthRe.FindStringSubmatch(rawURL); m != nil {
			u := &url.URL{
				Scheme: "http",
				User:   url.UserPassword(m[3], m[4]),
				Host:   net.JoinHostPort(m[1], m[2]),
			}
			rawURL = u.String()
		} else {
			rawURL = "http://" + rawURL
		}
	}

	label := redact(rawURL)

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProxy, label, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if !slices.Contains(supportedSchemes, u.Scheme) {
		return nil, fmt.Errorf("%w: %s: unsupported scheme %q", ErrInvalidProxy, label, u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %s: missing host", ErrInvalidProxy, label)
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: %s: missing or invalid port", ErrInvalidProxy, label)
	}

	return &Proxy{
		URL:   u,
		Label: label,
	}, nil
}

// Pool is a set of proxies that can be drawn from without replacement.  The
// canonical pool is never drawn from directly, callers Clone it first.
type Pool struct {
	proxies []*Proxy
}

func NewPool(proxies []*Proxy) *Pool {
	return &Pool{
		proxies: append([]*Proxy(nil), proxies...),
	}
}

// Load builds a pool from raw lines.  Blank lines and # comments are skipped,
// invalid lines are dropped with a warning.
func Load(lines []string, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}

	var entries []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	entries = sliceutils.RemoveDuplicates(entries)

	var proxies []*Proxy
	for _, entry := range entries {
		proxy, err := ParseLine(entry)
		if err != nil {
			logger.Warn("skipping invalid proxy", zap.Error(err))
			continue
		}

		proxies = append(proxies, proxy)
	}

	return NewPool(proxies)
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.proxies)
}

func (p *Pool) Proxies() []*Proxy {
	return append([]*Proxy(nil), p.proxies...)
}

func (p *Pool) Clone() *Pool {
	if p == nil {
		return &Pool{}
	}
	return NewPool(p.proxies)
}

// Draw removes and returns a uniformly random proxy, or nil when the pool is
// empty.
func (p *Pool) Draw() *Proxy {
	if p == nil || len(p.proxies) == 0 {
		return nil
	}

	idx := rand.IntN(len(p.proxies))
	proxy := p.proxies[idx]

	p.proxies[idx] = p.proxies[len(p.proxies)-1]
	p.proxies[len(p.proxies)-1] = nil
	p.proxies = p.proxies[:len(p.proxies)-1]

	return proxy
}
