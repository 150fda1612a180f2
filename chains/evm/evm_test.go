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

package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TestTransferTopic pins the event signature hash the detector filters on.
func TestTransferTopic(t *testing.T) {
	const want = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	if transferTopic.Hex() != want {
		t.Fatalf("transferTopic = %s, want %s", transferTopic.Hex(), want)
	}
}

func TestDecodeTransfer(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := big.NewInt(10500000)

	l := types.Log{
		Address:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Topics:      []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(amount.Bytes(), 32),
		BlockNumber: 980,
		TxHash:      common.HexToHash("0xabcd"),
		Index:       2,
	}
	got, ok := decodeTransfer(l)
	if !ok {
		t.Fatal("decodeTransfer rejected a well-formed log")
	}
	if got.From != from.Hex() || got.To != to.Hex() {
		t.Fatalf("endpoints %s -> %s", got.From, got.To)
	}
	if got.AmountRaw != "10500000" {
		t.Fatalf("AmountRaw = %s, want 10500000", got.AmountRaw)
	}
	if got.BlockNumber != 980 || got.LogIndex != 2 {
		t.Fatalf("position %d/%d", got.BlockNumber, got.LogIndex)
	}
}

func TestDecodeTransferSkipsNonStandard(t *testing.T) {
	// ERC20 transfers carry exactly three topics; anything else (e.g.
	// ERC721 with indexed tokenId, or anonymous events) is skipped.
	l := types.Log{Topics: []common.Hash{transferTopic}}
	if _, ok := decodeTransfer(l); ok {
		t.Fatal("decodeTransfer accepted a log without indexed endpoints")
	}
	l = types.Log{
		Topics:  []common.Hash{transferTopic, {}, {}},
		Removed: true,
	}
	if _, ok := decodeTransfer(l); ok {
		t.Fatal("decodeTransfer accepted a removed (reorged) log")
	}
}

func TestNormalizeAddress(t *testing.T) {
	c := &Client{}
	got, err := c.NormalizeAddress("0xDE709F2102306220921060314715629080E2FB77")
	if err != nil {
		t.Fatalf("NormalizeAddress: %v", err)
	}
	if got != "0xde709f2102306220921060314715629080e2fb77" {
		t.Fatalf("NormalizeAddress = %s", got)
	}
	if _, err := c.NormalizeAddress("TUserTronAddress"); err == nil {
		t.Fatal("NormalizeAddress accepted a non-hex address")
	}
}

func TestEnsureHexPrefix(t *testing.T) {
	if ensureHexPrefix("f86b80") != "0xf86b80" {
		t.Fatal("missing prefix not added")
	}
	if ensureHexPrefix("0xf86b80") != "0xf86b80" {
		t.Fatal("existing prefix mangled")
	}
}
