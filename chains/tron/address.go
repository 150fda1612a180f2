// Copyright 2026 The chainops Authors
// This file is part of the chainops library.
//
// The chainops library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainops library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainops library. If not, see <http://www.gnu.org/licenses/>.

package tron

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/opencustody/chainops/core"
)

// Tron addresses are base58check over 0x41 || 20 payload bytes. The 0x41
// prefix makes every mainnet address start with 'T'.
const addressPrefix = 0x41

// DecodeAddress parses a base58check Tron address into its 21 raw bytes.
func DecodeAddress(addr string) ([]byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, core.Errorf(core.ErrInvalidData, "bad tron address %q: %v", addr, err)
	}
	if len(raw) != 25 {
		return nil, core.Errorf(core.ErrInvalidData, "bad tron address %q: wrong length", addr)
	}
	body, check := raw[:21], raw[21:]
	if body[0] != addressPrefix {
		return nil, core.Errorf(core.ErrInvalidData, "bad tron address %q: wrong prefix", addr)
	}
	h := sha256.Sum256(body)
	h = sha256.Sum256(h[:])
	for i := 0; i < 4; i++ {
		if h[i] != check[i] {
			return nil, core.Errorf(core.ErrInvalidData, "bad tron address %q: checksum mismatch", addr)
		}
	}
	return body, nil
}

// EncodeAddress renders 21 raw address bytes (0x41-prefixed) as base58check.
func EncodeAddress(raw []byte) (string, error) {
	if len(raw) != 21 || raw[0] != addressPrefix {
		return "", core.Errorf(core.ErrInvalidData, "bad raw tron address %x", raw)
	}
	h := sha256.Sum256(raw)
	h = sha256.Sum256(h[:])
	return base58.Encode(append(append([]byte{}, raw...), h[:4]...)), nil
}

// AddressToHex converts a base58check address to the 41-prefixed hex form
// the wallet API takes.
func AddressToHex(addr string) (string, error) {
	raw, err := DecodeAddress(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// HexToAddress converts a 41-prefixed (or 0x41-prefixed) hex address to
// base58check.
func HexToAddress(h string) (string, error) {
	h = strings.TrimPrefix(strings.TrimPrefix(h, "0x"), "0X")
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", core.Errorf(core.ErrInvalidData, "bad hex address %q: %v", h, err)
	}
	// Event payloads sometimes carry bare 20-byte bodies.
	if len(raw) == 20 {
		raw = append([]byte{addressPrefix}, raw...)
	}
	return EncodeAddress(raw)
}

// IsAddress reports whether addr is a well-formed base58check Tron address.
func IsAddress(addr string) bool {
	_, err := DecodeAddress(addr)
	return err == nil
}
