/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package scoretable

import (
	"math"
	"sync/atomic"
)

// DefaultMaxSegments is the segment limit servers advertise in practice.  It is
// used until a server sends its own arena configuration.
const DefaultMaxSegments = 411

// Lookahead is the number of extra entries appended to both arrays so that any
// segment count up to maxSegments+Lookahead can be indexed directly.
const Lookahead = 2048

type tableState struct {
	MaxSegments       int
	Decay             []float64
	CumulativeInverse []float64
}

// Table converts raw leaderboard segment/fraction pairs into scores.  The
// arrays are replaced as a whole whenever the segment limit changes.
type Table struct {
	state atomic.Pointer[tableState]
}

func New(maxSegments int) *Table {
	t := &Table{}
	t.state.Store(buildState(maxSegments))
	return t
}

func buildState(maxSegments int) *tableState {
	if maxSegments < 1 {
		maxSegments = 1
	}

	decay := make([]float64, 0, maxSegments+1+Lookahead)
	cumInv := make([]float64, 0, maxSegments+1+Lookahead)
	for i := 0; i <= maxSegments; i++ {
		if i >= maxSegments {
			decay = append(decay, decay[i-1])
		} else {
			decay = append(decay, math.Pow(1-float64(i)/float64(maxSegments), 2.25))
		}

		if i == 0 {
			cumInv = append(cumInv, 0)
		} else {
			cumInv = append(cumInv, cumInv[i-1]+1/decay[i-1])
		}
	}

	lastDecay := decay[len(decay)-1]
	lastCumInv := cumInv[len(cumInv)-1]
	for i := 0; i < Lookahead; i++ {
		decay = append(decay, lastDecay)
		cumInv = append(cumInv, lastCumInv)
	}

	return &tableState{
		MaxSegments:       maxSegments,
		Decay:             decay,
		CumulativeInverse: cumInv,
	}
}

// Rebuild recomputes the table for a new segment limit.  It does nothing when
// the limit matches the cached one.
func (t *Table) Rebuild(maxSegments int) bool {
	if t.state.Load().MaxSegments == maxSegments {
		return false
	}

	t.state.Store(buildState(maxSegments))
	return true
}

func (t *Table) MaxSegments() int {
	return t.state.Load().MaxSegments
}

// Decay returns a copy of the decay array.
func (t *Table) Decay() []float64 {
	state := t.state.Load()
	return append([]float64(nil), state.Decay...)
}

// CumulativeInverse returns a copy of the cumulative inverse array.
func (t *Table) CumulativeInverse() []float64 {
	state := t.state.Load()
	return append([]float64(nil), state.CumulativeInverse...)
}

// Score computes floor((cumInv[sct] + fam/decay[sct] - 1) * 15 - 5).
func (t *Table) Score(sct int, fam float64) int {
	state := t.state.Load()

	// beyond the lookahead every entry equals the terminal value anyway
	idx := sct
	if idx < 0 {
		idx = 0
	} else if idx >= len(state.Decay) {
		idx = len(state.Decay) - 1
	}

	return int(math.Floor((state.CumulativeInverse[idx]+fam/state.Decay[idx]-1)*15 - 5))
}
