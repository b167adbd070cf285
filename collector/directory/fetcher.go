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
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const DefaultFeedURL = "https://slither.io/i80124.txt"

// Source supplies the raw directory feed text.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

type FetcherOptions struct {
	Logger *zap.Logger
	URL    string

	// HTTPClient defaults to an otelhttp instrumented client.
	HTTPClient *http.Client

	// MaxElapsedTime bounds the total time spent retrying a fetch.
	MaxElapsedTime time.Duration
}

type Fetcher struct {
	logger         *zap.Logger
	url            string
	httpClient     *http.Client
	maxElapsedTime time.Duration
}

var _ Source = (*Fetcher)(nil)

func NewFetcher(opts FetcherOptions) *Fetcher {
	url := opts.URL
	if url == "" {
		url = DefaultFeedURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		}
	}

	maxElapsedTime := opts.MaxElapsedTime
	if maxElapsedTime <= 0 {
		maxElapsedTime = 30 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		logger:         logger,
		url:            url,
		httpClient:     httpClient,
		maxElapsedTime: maxElapsedTime,
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", backoff.Permanent(err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status code %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return string(body), nil
}

// Fetch downloads the feed, retrying transient failures with an exponential
// back-off.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = f.maxElapsedTime
	b.Reset()

	var body string
	err := backoff.RetryNotify(func() error {
		fetched, err := f.fetchOnce(ctx)
		if err != nil {
			return err
		}

		body = fetched
		return nil
	}, backoff.WithContext(b, ctx), func(err error, delay time.Duration) {
		f.logger.Debug("directory fetch failed, retrying",
			zap.Error(err),
			zap.Duration("delay", delay))
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetch, err)
	}

	return body, nil
}
