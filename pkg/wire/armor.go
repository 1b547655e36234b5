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

import "fmt"

// alphabet is the RFC 1924 base85 character set (the same table Python's
// base64.b85encode uses): digits, then uppercase, then lowercase, then a
// run of punctuation. No library in the retrieved example pack implements
// this specific alphabet, so it is hand-rolled here rather than reusing
// encoding/ascii85 (which speaks the incompatible btoa alphabet) — see
// DESIGN.md for the standard-library justification.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz!#$%&()*+-;<=>?@^_`{|}~"

var decodeTable [256]int8

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i, c := range alphabet {
		decodeTable[byte(c)] = int8(i)
	}
}

// armorEncode converts arbitrary bytes into the RFC 1924 base85 armored
// text form: 4 input bytes become 5 output characters, with the final
// partial group (1-3 leftover bytes) padded with zero bytes before
// encoding and then truncated on the output side, matching the
// conventional base85 padding scheme.
func armorEncode(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	padding := (4 - len(data)%4) % 4
	padded := data
	if padding > 0 {
		padded = make([]byte, len(data)+padding)
		copy(padded, data)
	}

	out := make([]byte, 0, len(padded)/4*5)
	for i := 0; i < len(padded); i += 4 {
		word := uint32(padded[i])<<24 | uint32(padded[i+1])<<16 | uint32(padded[i+2])<<8 | uint32(padded[i+3])
		var group [5]byte
		for j := 4; j >= 0; j-- {
			group[j] = alphabet[word%85]
			word /= 85
		}
		out = append(out, group[:]...)
	}

	if padding > 0 {
		out = out[:len(out)-padding]
	}
	return string(out)
}

// armorDecode is the inverse of armorEncode.
func armorDecode(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, nil
	}

	padding := (5 - len(s)%5) % 5
	padded := s
	if padding > 0 {
		// Pad with the alphabet's highest-value character, matching the
		// conventional base85 decode padding scheme.
		pad := make([]byte, padding)
		for i := range pad {
			pad[i] = alphabet[84]
		}
		padded = s + string(pad)
	}

	out := make([]byte, 0, len(padded)/5*4)
	for i := 0; i < len(padded); i += 5 {
		var word uint32
		for j := 0; j < 5; j++ {
			c := padded[i+j]
			v := decodeTable[c]
			if v < 0 {
				return nil, fmt.Errorf("armor: invalid character %q at offset %d", c, i+j)
			}
			word = word*85 + uint32(v)
		}
		out = append(out, byte(word>>24), byte(word>>16), byte(word>>8), byte(word))
	}

	if padding > 0 {
		out = out[:len(out)-padding]
	}
	return out, nil
}
