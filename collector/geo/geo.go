/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package geo

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

// Location is the coarse position of a game server.
type Location struct {
	CountryCode   string `json:"countryCode,omitempty"`
	CountryName   string `json:"countryName,omitempty"`
	ContinentCode string `json:"continentCode,omitempty"`
	ContinentName string `json:"continentName,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	RegionCode    string `json:"regionCode,omitempty"`
}

type cityRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Continent struct {
		Code  string            `maxminddb:"code"`
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"continent"`
	Location struct {
		TimeZone string `maxminddb:"time_zone"`
	} `maxminddb:"location"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
}

// Locator resolves server addresses against a MaxMind city database.  A nil
// Locator is valid and never finds anything.
type Locator struct {
	logger *zap.Logger
	reader *maxminddb.Reader
}

func Open(path string, logger *zap.Logger) (*Locator, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}

	return newLocator(reader, logger), nil
}

func FromBytes(buf []byte, logger *zap.Logger) (*Locator, error) {
	reader, err := maxminddb.FromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to load geoip database: %w", err)
	}

	return newLocator(reader, logger), nil
}

func newLocator(reader *maxminddb.Reader, logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("loaded geoip database",
		zap.String("type", reader.Metadata.DatabaseType),
		zap.Uint("build", reader.Metadata.BuildEpoch))

	return &Locator{
		logger: logger,
		reader: reader,
	}
}

func normalizeAddress(address string) net.IP {
	address = strings.TrimPrefix(address, "[")
	address = strings.TrimSuffix(address, "]")
	return net.ParseIP(address)
}

// Lookup returns the location of address, or nil when it is unknown.
func (l *Locator) Lookup(address string) *Location {
	if l == nil || l.reader == nil {
		return nil
	}

	ip := normalizeAddress(address)
	if ip == nil {
		return nil
	}

	var record cityRecord
	if err := l.reader.Lookup(ip, &record); err != nil {
		l.logger.Debug("geoip lookup failed", zap.String("address", address), zap.Error(err))
		return nil
	}

	if record.Country.ISOCode == "" && record.Continent.Code == "" {
		return nil
	}

	loc := &Location{
		CountryCode:   record.Country.ISOCode,
		CountryName:   record.Country.Names["en"],
		ContinentCode: record.Continent.Code,
		ContinentName: record.Continent.Names["en"],
		Timezone:      record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		loc.RegionCode = record.Subdivisions[0].ISOCode
	}

	return loc
}

func (l *Locator) Close() error {
	if l == nil || l.reader == nil {
		return nil
	}
	return l.reader.Close()
}
