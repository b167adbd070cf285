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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitFrame(t *testing.T) {
	testCases := []struct {
		name    string
		frame   []byte
		packets [][]byte
	}{
		{
			name:    "LongLength",
			frame:   []byte{0, 0, 3, 'l', 1, 2},
			packets: [][]byte{{'l', 1, 2}},
		},
		{
			name:    "ShortLengths",
			frame:   []byte{34, 'U', 9, 33, 'L'},
			packets: [][]byte{{'U', 9}, {'L'}},
		},
		{
			name:    "LongThenShortLength",
			frame:   []byte{0, 0, 3, 'a', 'b', 'c', 32 + 2, 'x', 'y'},
			packets: [][]byte{[]byte("abc"), []byte("xy")},
		},
		{
			name:    "LongLengthUsesBothBytes",
			frame:   append([]byte{5, 1, 2}, make([]byte, 258)...),
			packets: [][]byte{make([]byte, 258)},
		},
		{
			name:    "TruncatedClamped",
			frame:   []byte{0, 0, 10, 'a', 'b'},
			packets: [][]byte{[]byte("ab")},
		},
		{
			name:    "DanglingLengthPrefix",
			frame:   []byte{32 + 1, 'a', 0, 5},
			packets: [][]byte{[]byte("a")},
		},
		{
			name:    "EmptyPacketSkipped",
			frame:   []byte{0, 0, 0, 32, 32 + 1, 'z'},
			packets: [][]byte{[]byte("z")},
		},
		{
			name:    "Empty",
			frame:   nil,
			packets: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.packets, SplitFrame(tc.frame))
		})
	}
}
