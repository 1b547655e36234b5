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

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/sign"
)

const nonceSize = 24

// cipherState is one direction-agnostic "cipher box": a precomputed
// shared secret plus the key material needed to sign outbound plaintext
// and verify inbound plaintext. A cipherState is "staged" the moment it
// is constructed; spec.md's staged->active transition is purely about
// *which* cipherState a Connection currently uses for I/O, realized by
// Connection.staged / Connection.active below.
type cipherState struct {
	shared       *[32]byte
	localSignKey *[64]byte
	remoteVerPub *[32]byte
}

func newCipherState(kp *KeyPair, remoteEncPub, remoteVerPub *[32]byte) *cipherState {
	var shared [32]byte
	box.Precompute(&shared, remoteEncPub, kp.encPrivKey())
	return &cipherState{
		shared:       &shared,
		localSignKey: kp.signPrivKey(),
		remoteVerPub: remoteVerPub,
	}
}

// seal signs plaintext with the local signing key (the detached
// signature spec.md §4.2 requires, realized by nacl/sign prepending a
// 64-byte signature) and then authenticates-and-encrypts the signed blob
// with the X25519+XSalsa20-Poly1305 box.
func (cs *cipherState) seal(plaintext []byte) ([]byte, error) {
	signed := sign.Sign(nil, plaintext, cs.localSignKey)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := box.SealAfterPrecomputation(nonce[:], signed, &nonce, cs.shared)
	return sealed, nil
}

// open reverses seal: decrypt-and-authenticate, then verify the
// signature. Either failure is reported as ErrCryptoError, which
// spec.md §4.2 requires to be non-fatal to the connection.
func (cs *cipherState) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: frame shorter than nonce", ErrCryptoError)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	signed, ok := box.OpenAfterPrecomputation(nil, ciphertext[nonceSize:], &nonce, cs.shared)
	if !ok {
		return nil, fmt.Errorf("%w: decrypt failed", ErrCryptoError)
	}

	plaintext, ok := sign.Open(nil, signed, cs.remoteVerPub)
	if !ok {
		return nil, fmt.Errorf("%w: signature verification failed", ErrCryptoError)
	}
	return plaintext, nil
}
