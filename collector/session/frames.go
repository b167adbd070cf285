/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package session

// Bytes below this value introduce a two byte sub-packet length, bytes at or
// above it carry the length themselves (offset by this value).
const shortLengthBase = 32

// SplitFrame splits one transport frame into its sub-packets.  Every packet
// is preceded by its length: a byte below 32 followed by a big-endian 16-bit
// length, or a single byte holding the length plus 32.  Lengths running past
// the end of the frame are clamped and empty packets are dropped.
func SplitFrame(frame []byte) [][]byte {
	var packets [][]byte
	for m := 0; m < len(frame); {
		var n int
		if frame[m] < shortLengthBase {
			if m+2 >= len(frame) {
				break
			}
			n = int(frame[m+1])<<8 | int(frame[m+2])
			m += 3
		} else {
			n = int(frame[m]) - shortLengthBase
			m++
		}

		end := m + n
		if end > len(frame) {
			end = len(frame)
		}
		if end > m {
			packets = append(packets, frame[m:end])
		}
		m = end
	}

	return packets
}
