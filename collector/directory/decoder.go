/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package directory

import (
	"fmt"
	"strconv"
	"strings"
)

// Field widths of one encoded record, in bytes.  Every byte is carried by two
// characters, high nibble first.
const (
	activeFieldLen    = 1
	ipv4FieldLen      = 4
	ipv6FieldLen      = 16
	portFieldLen      = 2
	loadFieldLen      = 2
	clusterFieldLen   = 1
	sessionIdFieldLen = 2

	recordLen = activeFieldLen + ipv4FieldLen + ipv6FieldLen + portFieldLen +
		loadFieldLen + clusterFieldLen + sessionIdFieldLen

	// a flag byte at or below this value marks the server as active
	maxActiveFlag = 26

	offsetStep = 7
)

// Decode decodes a directory feed and returns the active servers only.
func Decode(blob string) ([]ServerDescriptor, error) {
	dir, err := DecodeDirectory(blob)
	if err != nil {
		return nil, err
	}

	return dir.Active(), nil
}

// DecodeDirectory decodes every record of a directory feed.  The first
// character is a variant flag and is never decoded.  Any malformed character
// voids the entire result.
func DecodeDirectory(blob string) (*Directory, error) {
	dir := &Directory{
		Clusters: make(map[int]*ClusterAggregate),
	}

	rollingOffset := 0
	value := 0
	highNibble := true
	record := make([]int, 0, recordLen)

	for pos := 1; pos < len(blob); pos++ {
		c := blob[pos]
		if c < 'a' || c > 'z' {
			return nil, fmt.Errorf("%w: invalid character %q at offset %d", ErrDecode, c, pos)
		}

		nibble := (int(c) - 'a' - rollingOffset) % 26
		if nibble < 0 {
			nibble += 26
		}
		rollingOffset += offsetStep

		if nibble > 15 {
			return nil, fmt.Errorf("%w: non-hex digit %d at offset %d", ErrDecode, nibble, pos)
		}

		value = value*16 + nibble
		if highNibble {
			highNibble = false
			continue
		}

		record = append(record, value)
		value = 0
		highNibble = true

		if len(record) == recordLen {
			err := emitRecord(dir, record)
			if err != nil {
				return nil, err
			}
			record = record[:0]
		}
	}

	return dir, nil
}

func readUint(fields []int) int {
	v := 0
	for _, f := range fields {
		v = v*256 + f
	}
	return v
}

func emitRecord(dir *Directory, record []int) error {
	pos := 0
	take := func(n int) []int {
		out := record[pos : pos+n]
		pos += n
		return out
	}

	active := take(activeFieldLen)[0] <= maxActiveFlag
	ipv4 := take(ipv4FieldLen)
	ipv6 := take(ipv6FieldLen)
	port := readUint(take(portFieldLen))
	load := readUint(take(loadFieldLen))
	cluster := take(clusterFieldLen)[0]
	sessionID := readUint(take(sessionIdFieldLen))

	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrDecode, port)
	}

	octets := make([]string, len(ipv4))
	for i, o := range ipv4 {
		octets[i] = strconv.Itoa(o)
	}

	dir.addServer(ServerDescriptor{
		Address:   strings.Join(octets, "."),
		Port:      port,
		ClusterID: cluster,
		Load:      load,
		SessionID: sessionID,
		IsActive:  active,
	})

	hextets := make([]string, 0, len(ipv6)/2)
	hasIPv6 := false
	for i := 0; i < len(ipv6); i += 2 {
		q := ipv6[i]*256 + ipv6[i+1]
		if q != 0 {
			hasIPv6 = true
		}
		hextets = append(hextets, strconv.FormatInt(int64(q), 16))
	}
	if !hasIPv6 {
		return nil
	}

	dir.addServer(ServerDescriptor{
		Address:   "[" + strings.Join(hextets, ":") + "]",
		Port:      port,
		ClusterID: cluster + IPv6ClusterOffset,
		Load:      load,
		SessionID: sessionID,
		IsActive:  active,
	})

	return nil
}
