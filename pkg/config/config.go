// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the acceptor/initiator wrappers'
// configuration surface: address, port, autopublish, worker count, and
// default timeout (spec.md §6). Grounded on cmd/aleutian's yaml.v3 load
// plus struct-tag validation via go-playground/validator, the pattern
// used for request validation throughout services/orchestrator/datatypes.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape for a config.yaml driving an ezipc process.
type Config struct {
	// Address is the interface to bind (acceptor) or dial (initiator).
	Address string `yaml:"address" validate:"required"`

	// Port is the TCP port. 0 lets the acceptor pick one (tests, ephemeral
	// services).
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// Autopublish discovers the outward IP via the UDP-sentinel trick
	// instead of using Address verbatim (spec.md §4.5).
	Autopublish bool `yaml:"autopublish"`

	// Helpers is the per-Peer worker-pool size (spec.md's "helpers:
	// int >= 1").
	Helpers int `yaml:"helpers" validate:"gte=1"`

	// QueueDepth bounds the inbound line queue per Peer.
	QueueDepth int `yaml:"queue_depth" validate:"gte=1"`

	// TimeoutSeconds is the default per-request timeout; 0 means wait
	// forever (spec.md §6's "timeout: seconds (per-request default 0 =
	// wait forever)").
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=0"`

	// EncryptionRequired is parsed and validated but not read by
	// cmd/ezipc or pkg/node: a failed crypto handshake still leaves the
	// connection in plaintext whatever its value.
	EncryptionRequired bool `yaml:"encryption_required"`
}

// Timeout converts TimeoutSeconds to a time.Duration; 0 means "no
// timeout" and callers should treat it specially (it is not a valid
// context.WithTimeout argument).
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

var validate = validator.New()

// Load reads and validates a YAML config file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns the baseline configuration a Load call starts from
// before applying the file's overrides, so a config.yaml only needs to
// specify what it wants to change. Address has no default: a config.yaml
// must name it.
func Default() Config {
	return Config{
		Port:       7777,
		Helpers:    5,
		QueueDepth: 1024,
	}
}
