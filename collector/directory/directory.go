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
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrDecode = errors.New("directory decode failed")
	ErrFetch  = errors.New("directory fetch failed")
)

// IPv6ClusterOffset is added to the raw cluster id of IPv6 descriptors.
const IPv6ClusterOffset = 1000

var ipv6LiteralRe = regexp.MustCompile(`^\[[0-9a-fA-F:]+\]$`)

// ServerDescriptor is one connectable game server endpoint.  The json names
// match the seed file format.
type ServerDescriptor struct {
	Address   string `json:"ip"`
	Port      int    `json:"po"`
	ClusterID int    `json:"clu"`
	Load      int    `json:"ac"`
	SessionID int    `json:"sid"`
	IsActive  bool   `json:"active"`
}

func (d ServerDescriptor) Key() string {
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}

// IsIPv6 reports whether the address is a bracketed IPv6 literal.
func (d ServerDescriptor) IsIPv6() bool {
	return ipv6LiteralRe.MatchString(d.Address)
}

func (d ServerDescriptor) WebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/slither", d.Address, d.Port)
}

type ClusterAggregate struct {
	Members            []ServerDescriptor
	WeightedActiveLoad int
	TotalLoad          int
}

// Directory is the full result of decoding a feed, including inactive servers.
type Directory struct {
	Servers  []ServerDescriptor
	Clusters map[int]*ClusterAggregate
}

func (d *Directory) Active() []ServerDescriptor {
	var out []ServerDescriptor
	for _, server := range d.Servers {
		if server.IsActive {
			out = append(out, server)
		}
	}
	return out
}

func (d *Directory) addServer(server ServerDescriptor) {
	d.Servers = append(d.Servers, server)

	cluster := d.Clusters[server.ClusterID]
	if cluster == nil {
		cluster = &ClusterAggregate{}
		d.Clusters[server.ClusterID] = cluster
	}

	cluster.Members = append(cluster.Members, server)
	if server.IsActive {
		cluster.WeightedActiveLoad += server.Load + 5
	}
	cluster.TotalLoad += server.Load
}
