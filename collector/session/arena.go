/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package session

import "fmt"

const arenaConfigLen = 10

// ArenaConfig is the subset of the 'a' packet we decode.  Only MaxSegments
// influences the collected stats.
type ArenaConfig struct {
	GridRadius  int
	MaxSegments int
	SectorSize  int
	SectorCount int
	Speed       float64
}

func DecodeArenaConfig(body []byte) (*ArenaConfig, error) {
	if len(body) < arenaConfigLen {
		return nil, fmt.Errorf("%w: arena config needs %d bytes, got %d", ErrMalformed, arenaConfigLen, len(body))
	}

	cfg := &ArenaConfig{
		GridRadius:  u24(body[0:]),
		MaxSegments: u16(body[3:]),
		SectorSize:  u16(body[5:]),
		SectorCount: u16(body[7:]),
		Speed:       float64(body[9]) / 10,
	}
	if cfg.MaxSegments == 0 {
		return nil, fmt.Errorf("%w: arena config with zero segment limit", ErrMalformed)
	}

	return cfg, nil
}
