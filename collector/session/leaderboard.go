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
	"fmt"
	"strings"

	"github.com/EagleD3v/slither-bot/collector/scoretable"
)

const (
	UnnamedPlayer = "(unnamed)"

	colorCount        = 9
	famScale          = 16777215
	leaderboardHead   = 5
	minLeaderboardRow = 7
)

type LeaderboardEntry struct {
	Rank       int    `json:"rank"`
	Name       string `json:"name"`
	Score      int    `json:"score"`
	ColorIndex int    `json:"colorIndex"`
}

type Leaderboard struct {
	Rank         int
	TotalPlayers int
	TotalScore   int
	Entries      []LeaderboardEntry
}

func u16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}

func u24(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

// DecodeLeaderboard decodes the body of an 'l' packet (the bytes following the
// command byte).  Entry ranks are positional, the raw rank field describes our
// own snake.
func DecodeLeaderboard(body []byte, table *scoretable.Table) (*Leaderboard, error) {
	if len(body) < leaderboardHead {
		return nil, fmt.Errorf("%w: leaderboard header needs %d bytes, got %d", ErrMalformed, leaderboardHead, len(body))
	}

	// body[0] is our position marker
	lb := &Leaderboard{
		Rank:         u16(body[1:]),
		TotalPlayers: u16(body[3:]),
		Entries:      []LeaderboardEntry{},
	}

	m := leaderboardHead
	for len(body)-m >= minLeaderboardRow {
		sct := u16(body[m:])
		m += 2
		fam := float64(u24(body[m:])) / famScale
		m += 3
		colorIndex := int(body[m]) % colorCount
		m++
		nameLen := int(body[m])
		m++

		end := m + nameLen
		if end > len(body) {
			end = len(body)
		}
		name := latin1(body[m:end])
		m = end

		name = strings.TrimSpace(name)
		if name == "" {
			name = UnnamedPlayer
		}

		entry := LeaderboardEntry{
			Rank:       len(lb.Entries) + 1,
			Name:       name,
			Score:      table.Score(sct, fam),
			ColorIndex: colorIndex,
		}
		lb.TotalScore += entry.Score
		lb.Entries = append(lb.Entries, entry)
	}

	return lb, nil
}

func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
