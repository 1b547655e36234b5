// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wire implements the framed, optionally-encrypted byte-stream
// layer ezipc peers speak over: line framing with a 5-byte terminator,
// Base85 armoring, and an X25519+XSalsa20-Poly1305 box with a detached
// Ed25519 signature when encryption has been negotiated.
package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// terminator ends every frame on the wire: five raw newline bytes. The
// armored payload preceding it never itself contains 0x0A, so a reader
// can detect the terminator as soon as five consecutive newlines arrive.
var terminator = []byte{0x0A, 0x0A, 0x0A, 0x0A, 0x0A}

// Line is one received frame, or a non-fatal crypto error observed while
// decoding one. Crypto errors are yielded inline (spec.md §4.2's
// "iterator contract") so the peer engine can log and keep consuming.
type Line struct {
	Payload  []byte
	CryptoErr error
}

// Connection owns one TCP stream's reader/writer halves plus its
// per-connection key material and cipher state. It is safe for
// concurrent use: writes are serialized by writeMu, the open flag and
// cipher state are guarded by mu, and the byte counters are updated
// atomically.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader

	keys *KeyPair

	writeMu sync.Mutex

	mu      sync.Mutex
	open    bool
	staged  *cipherState
	active  *cipherState

	totalSent uint64
	totalRecv uint64
}

// NewConnection wraps an established net.Conn, generating a fresh
// encryption and signing keypair for this connection's lifetime (never
// reused across connections, per spec.md §3's Connection ownership
// rules).
func NewConnection(conn net.Conn) (*Connection, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate connection keypair: %w", err)
	}
	return &Connection{
		conn:   conn,
		reader: bufio.NewReader(conn),
		keys:   keys,
		open:   true,
	}, nil
}

// LocalEncPubHex returns the local X25519 public key, hex-encoded, for
// use as an RSA.EXCH parameter.
func (c *Connection) LocalEncPubHex() string { return hex.EncodeToString(c.keys.EncPub[:]) }

// LocalSignPubHex returns the local Ed25519 verification key, hex-encoded.
func (c *Connection) LocalSignPubHex() string { return hex.EncodeToString(c.keys.SignPub[:]) }

// StageEncryption builds (but does not activate) a cipher box from the
// remote peer's hex-encoded encryption and verification keys. Called by
// the crypto negotiator on both sides of a successful RSA.EXCH.
func (c *Connection) StageEncryption(remoteEncPubHex, remoteVerPubHex string) error {
	encBytes, err := hex.DecodeString(remoteEncPubHex)
	if err != nil || len(encBytes) != 32 {
		return fmt.Errorf("invalid remote encryption key")
	}
	verBytes, err := hex.DecodeString(remoteVerPubHex)
	if err != nil || len(verBytes) != 32 {
		return fmt.Errorf("invalid remote verification key")
	}
	var encPub, verPub [32]byte
	copy(encPub[:], encBytes)
	copy(verPub[:], verBytes)

	cs := newCipherState(c.keys, &encPub, &verPub)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged = cs
	return nil
}

// EncryptionReady reports whether a cipher has been staged but not yet
// activated — the state RSA.CONF checks for before confirming.
func (c *Connection) EncryptionReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staged != nil && c.active == nil
}

// ActivateEncryption atomically transitions staged->active. Activation
// is monotonic per spec.md §3: once active, it is never cleared except
// by Close.
func (c *Connection) ActivateEncryption() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return ErrAlreadyActive
	}
	if c.staged == nil {
		return ErrNotStaged
	}
	c.active = c.staged
	return nil
}

// EncryptionActive reports whether outbound frames are currently
// encrypted.
func (c *Connection) EncryptionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Connection) activeCipher() *cipherState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// TotalSent returns the byte count of all framed (post-armor) payloads
// plus terminators written so far.
func (c *Connection) TotalSent() uint64 { return atomic.LoadUint64(&c.totalSent) }

// TotalRecv is the received-side counterpart of TotalSent.
func (c *Connection) TotalRecv() uint64 { return atomic.LoadUint64(&c.totalRecv) }

// IsOpen reports whether the connection still accepts writes.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send serializes one frame: encrypt (if active) then armor then write
// payload+terminator as a single critical section, so no two callers can
// interleave a frame's bytes on the wire (spec.md §5).
func (c *Connection) Send(payload []byte) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	wirePayload := payload
	if cs := c.activeCipher(); cs != nil {
		sealed, err := cs.seal(payload)
		if err != nil {
			return fmt.Errorf("seal outbound frame: %w", err)
		}
		wirePayload = sealed
	}
	armored := []byte(armorEncode(wirePayload))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	if _, err := c.conn.Write(armored); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := c.conn.Write(terminator); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}

	atomic.AddUint64(&c.totalSent, uint64(len(armored)+len(terminator)))
	return nil
}

// Close marks the connection closed; subsequent Send calls short-circuit
// and return ErrConnectionClosed without writing anything (per spec.md
// §3's "open==false ⇒ no further writes" invariant, realized here as a
// sentinel error return).
func (c *Connection) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.keys.Destroy()
	return c.conn.Close()
}

// Lines starts a goroutine reading frames until ctx is cancelled, the
// connection closes, or a non-crypto I/O error occurs, and returns a
// channel of Line values. Crypto errors are delivered inline on the
// channel (CryptoErr set, Payload nil) so the caller can log and keep
// reading; the channel is closed once the read loop exits.
func (c *Connection) Lines(ctx context.Context) <-chan Line {
	out := make(chan Line)
	go func() {
		defer close(out)
		for {
			frame, err := c.readFrame()
			if err != nil {
				return
			}

			wirePayload, decodeErr := armorDecode(string(frame))
			if decodeErr != nil {
				select {
				case out <- Line{CryptoErr: fmt.Errorf("%w: %v", ErrCryptoError, decodeErr)}:
				case <-ctx.Done():
					return
				}
				continue
			}
			atomic.AddUint64(&c.totalRecv, uint64(len(frame)+len(terminator)))

			plaintext := wirePayload
			if cs := c.activeCipher(); cs != nil {
				p, openErr := cs.open(wirePayload)
				if openErr != nil {
					select {
					case out <- Line{CryptoErr: openErr}:
					case <-ctx.Done():
						return
					}
					continue
				}
				plaintext = p
			}

			select {
			case out <- Line{Payload: plaintext}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// readFrame reads bytes until the five-newline terminator is seen,
// returning the payload bytes before it. Returns ErrStreamEnded if EOF
// arrives before any terminator.
func (c *Connection) readFrame() ([]byte, error) {
	var buf bytes.Buffer
	consecutiveNL := 0

	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if errIsEOF(err) {
				return nil, fmt.Errorf("%w: %v", ErrStreamEnded, err)
			}
			return nil, err
		}

		if b == '\n' {
			consecutiveNL++
			if consecutiveNL == len(terminator) {
				return buf.Bytes(), nil
			}
			continue
		}

		for ; consecutiveNL > 0; consecutiveNL-- {
			buf.WriteByte('\n')
		}
		buf.WriteByte(b)
	}
}

func errIsEOF(err error) bool {
	return err == io.EOF
}
