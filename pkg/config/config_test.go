// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad_AppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, "address: 10.0.0.1\nport: 9000\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", cfg.Address)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5, cfg.Helpers)
	assert.Equal(t, 1024, cfg.QueueDepth)
}

func TestLoad_RejectsInvalidHelpers(t *testing.T) {
	path := writeConfig(t, "address: 10.0.0.1\nport: 9000\nhelpers: 0\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsMissingAddress(t *testing.T) {
	path := writeConfig(t, "port: 9000\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Error(t, err)
}
