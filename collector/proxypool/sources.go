/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package proxypool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/EagleD3v/slither-bot/utils/secretsmanager"
	"go.uber.org/zap"
)

// Source supplies the raw proxy list lines.  It is read fresh on every
// collection cycle.
type Source interface {
	Lines(ctx context.Context) ([]string, error)
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(text, "\n")
}

// StaticSource is a fixed list of lines.
type StaticSource []string

func (s StaticSource) Lines(ctx context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// FileSource reads one proxy per line from a local file.
type FileSource struct {
	Path string
}

func (s FileSource) Lines(ctx context.Context) ([]string, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}

	return splitLines(string(raw)), nil
}

// AWSSecretSource reads a newline separated proxy list stored as an AWS
// Secrets Manager string secret.
type AWSSecretSource struct {
	SecretID string
	Region   string
}

func (s AWSSecretSource) Lines(ctx context.Context) ([]string, error) {
	text, err := secretsmanager.FetchAWSSecret(ctx, s.SecretID, s.Region)
	if err != nil {
		return nil, err
	}

	return splitLines(text), nil
}

// AzureSecretSource reads the proxy list from an Azure Key Vault secret.
type AzureSecretSource struct {
	SecretID  string
	VaultName string
}

func (s AzureSecretSource) Lines(ctx context.Context) ([]string, error) {
	text, err := secretsmanager.FetchAzureSecret(ctx, s.SecretID, s.VaultName)
	if err != nil {
		return nil, err
	}

	return splitLines(text), nil
}

// GcpSecretSource reads the proxy list from a GCP Secret Manager secret.
type GcpSecretSource struct {
	SecretID  string
	ProjectID string
}

func (s GcpSecretSource) Lines(ctx context.Context) ([]string, error) {
	text, err := secretsmanager.FetchGcpSecret(ctx, s.SecretID, s.ProjectID)
	if err != nil {
		return nil, err
	}

	return splitLines(text), nil
}

// LoadFromSource reads a source and builds a pool from it.  A missing file or
// unreachable secret yields an empty pool rather than an error, matching how a
// bad individual line is handled.
func LoadFromSource(ctx context.Context, source Source, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}

	if source == nil {
		return NewPool(nil)
	}

	lines, err := source.Lines(ctx)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("proxy list file not found", zap.Error(err))
		} else {
			logger.Warn("failed to read proxy list", zap.Error(fmt.Errorf("proxy source: %w", err)))
		}
		return NewPool(nil)
	}

	pool := Load(lines, logger)
	logger.Debug("loaded proxies", zap.Int("count", pool.Len()))

	return pool
}
