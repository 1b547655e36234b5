// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/sign"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the mlock rlimit below which the first
// GenerateKeyPair call logs a warning. The check only warns: private key
// material is always placed in memguard buffers, and there is no
// separate non-mlocked fallback path.
const MinMlockLimitKB = 64

var (
	mlockOnce      sync.Once
	mlockSufficient bool
	mlockLimitKB    int64
)

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit, assuming sufficient", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

func ensureMlockChecked() (bool, int64) {
	mlockOnce.Do(func() {
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit below recommended minimum; private keys will not be locked in memory",
				"limit_kb", mlockLimitKB, "required_kb", MinMlockLimitKB)
		}
	})
	return mlockSufficient, mlockLimitKB
}

// KeyPair bundles the per-connection encryption and signing keypairs
// required by spec.md §4.2/§4.3. Private key material is held in an
// mlocked memguard.LockedBuffer so it is never swapped to disk, the same
// technique the teacher repo uses for accumulating in-flight secrets.
type KeyPair struct {
	EncPub  *[32]byte
	encPriv *memguard.LockedBuffer // 32 bytes: X25519 scalar

	SignPub  *[32]byte
	signPriv *memguard.LockedBuffer // 64 bytes: ed25519 expanded private key
}

// GenerateKeyPair creates a fresh encryption keypair (X25519, for
// nacl/box) and signing keypair (Ed25519, for nacl/sign) for one
// connection's lifetime.
func GenerateKeyPair() (*KeyPair, error) {
	ensureMlockChecked()

	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate encryption keypair: %w", err)
	}
	signPub, signPriv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}

	encBuf := memguard.NewBuffer(32)
	encBuf.Melt()
	copy(encBuf.Bytes(), encPriv[:])
	for i := range encPriv {
		encPriv[i] = 0
	}

	signBuf := memguard.NewBuffer(64)
	signBuf.Melt()
	copy(signBuf.Bytes(), signPriv[:])
	for i := range signPriv {
		signPriv[i] = 0
	}

	return &KeyPair{
		EncPub:   encPub,
		encPriv:  encBuf,
		SignPub:  signPub,
		signPriv: signBuf,
	}, nil
}

func (k *KeyPair) encPrivKey() *[32]byte {
	var out [32]byte
	copy(out[:], k.encPriv.Bytes())
	return &out
}

func (k *KeyPair) signPrivKey() *[64]byte {
	var out [64]byte
	copy(out[:], k.signPriv.Bytes())
	return &out
}

// Destroy wipes the locked key buffers. Safe to call more than once.
func (k *KeyPair) Destroy() {
	if k == nil {
		return
	}
	k.encPriv.Destroy()
	k.signPriv.Destroy()
}
