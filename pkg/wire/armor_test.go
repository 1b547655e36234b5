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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestArmorRoundTrip_VariousLengths exercises the padding logic across
// every length mod 4, since that's where off-by-one errors hide.
func TestArmorRoundTrip_VariousLengths(t *testing.T) {
	for n := 0; n < 20; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i * 7)
		}
		encoded := armorEncode(data)
		decoded, err := armorDecode(encoded)
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, data, decoded, "length %d", n)
	}
}

// TestArmorDecode_RejectsInvalidCharacters guards against silently
// accepting bytes outside the RFC 1924 alphabet.
func TestArmorDecode_RejectsInvalidCharacters(t *testing.T) {
	_, err := armorDecode("not json\n")
	assert.Error(t, err)
}
