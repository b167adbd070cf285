/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"testing"
)

// Config describes the optional live environment used by tests that talk to
// real game servers.  Those tests are skipped unless SLCTEST_LIVE is set.
type Config struct {
	Live      bool
	FeedURL   string
	ProxyLine string
}

var globalTestConfig *Config

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{
			FeedURL: "https://slither.io/i80124.txt",
		}

		testConfig.Live = os.Getenv("SLCTEST_LIVE") != ""

		envFeedURL := os.Getenv("SLCTEST_FEEDURL")
		if envFeedURL != "" {
			testConfig.FeedURL = envFeedURL
		}

		envProxy := os.Getenv("SLCTEST_PROXY")
		if envProxy != "" {
			testConfig.ProxyLine = envProxy
		}

		t.Logf("initialized test configuration")
		t.Logf("  live: %t", testConfig.Live)
		t.Logf("  feedurl: %s", testConfig.FeedURL)
		t.Logf("  proxy set: %t", testConfig.ProxyLine != "")

		globalTestConfig = testConfig
	}

	return globalTestConfig
}

// RequireLive skips the calling test when no live environment is configured.
func RequireLive(t *testing.T) *Config {
	cfg := GetTestConfig(t)
	if !cfg.Live {
		t.Skip("skipping live test, SLCTEST_LIVE is not set")
	}
	return cfg
}
