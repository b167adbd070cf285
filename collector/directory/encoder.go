/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package directory

import "strings"

// Record is the unencoded form of one directory entry.
type Record struct {
	Active    bool
	IPv4      [4]byte
	IPv6      [16]byte
	Port      uint16
	Load      uint16
	ClusterID uint8
	SessionID uint16
}

// Encode produces a directory feed that DecodeDirectory turns back into the
// given records.  It is the inverse of the decoder and is used to build feeds
// for local testing.
func Encode(records []Record) string {
	var sb strings.Builder
	sb.WriteByte('a')

	rollingOffset := 0
	writeByte := func(b byte) {
		for _, nibble := range []int{int(b >> 4), int(b & 0x0f)} {
			sb.WriteByte(byte('a' + (nibble+rollingOffset)%26))
			rollingOffset += offsetStep
		}
	}

	for _, r := range records {
		if r.Active {
			writeByte(0)
		} else {
			writeByte(255)
		}
		for _, o := range r.IPv4 {
			writeByte(o)
		}
		for _, o := range r.IPv6 {
			writeByte(o)
		}
		writeByte(byte(r.Port >> 8))
		writeByte(byte(r.Port))
		writeByte(byte(r.Load >> 8))
		writeByte(byte(r.Load))
		writeByte(r.ClusterID)
		writeByte(byte(r.SessionID >> 8))
		writeByte(byte(r.SessionID))
	}

	return sb.String()
}
