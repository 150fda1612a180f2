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

// Package evm implements the chain capability set for EVM-family chains
// (BSC and friends) on top of ethclient.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"):
// 0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// balanceOfSelector is the 4-byte selector of balanceOf(address).
var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// Client is the EVM adapter. It also exposes the execution-side calls
// (nonce, fee data, raw broadcast) the EVM execution workers need; those
// are not part of chains.Adapter because the Tron path never uses them.
type Client struct {
	eth *ethclient.Client
}

var _ chains.Adapter = (*Client)(nil)

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(rawurl string) (*Client, error) {
	eth, err := ethclient.Dial(rawurl)
	if err != nil {
		return nil, core.WrapError(core.ErrNetwork, err)
	}
	return &Client{eth: eth}, nil
}

// NewClient wraps an existing ethclient, mainly for tests against a
// simulated backend.
func NewClient(eth *ethclient.Client) *Client { return &Client{eth: eth} }

func (c *Client) Family() core.Family { return core.FamilyEVM }

func (c *Client) CurrentBlock(ctx context.Context) (int64, error) {
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	var n uint64
	err := chains.WithRetry(ctx, func() error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return core.WrapError(core.ErrNetwork, err)
	})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return int64(n), nil
}

// ChainID returns the network's numeric chain id, used as a wrong-network
// guard before any signing.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, core.WrapError(core.ErrNetwork, err)
	}
	return id, nil
}

func (c *Client) TransferLogs(ctx context.Context, contract string, from, to int64) ([]chains.TransferLog, error) {
	if !common.IsHexAddress(contract) {
		return nil, core.Errorf(core.ErrInvalidData, "bad contract address %q", contract)
	}
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()

	q := ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: []common.Address{common.HexToAddress(contract)},
		Topics:    [][]common.Hash{{transferTopic}},
	}
	var logs []types.Log
	err := chains.WithRetry(ctx, func() error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, q)
		return core.WrapError(core.ErrNetwork, err)
	})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs [%d,%d]: %w", from, to, err)
	}

	out := make([]chains.TransferLog, 0, len(logs))
	for _, l := range logs {
		t, ok := decodeTransfer(l)
		if !ok {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// decodeTransfer maps one raw log to a TransferLog. Non-standard Transfer
// events (missing indexed endpoints) are skipped, not errors.
func decodeTransfer(l types.Log) (chains.TransferLog, bool) {
	if len(l.Topics) != 3 || l.Removed {
		return chains.TransferLog{}, false
	}
	amount := new(big.Int)
	if len(l.Data) > 0 {
		amount.SetBytes(l.Data)
	}
	return chains.TransferLog{
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		BlockNumber: int64(l.BlockNumber),
		Contract:    l.Address.Hex(),
		From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		AmountRaw:   amount.String(),
	}, true
}

func (c *Client) GetReceipt(ctx context.Context, txHash string) (*chains.Receipt, error) {
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	r, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		if chains.IsNotFound(err) {
			return nil, nil
		}
		return nil, core.WrapError(core.ErrNetwork, err)
	}
	rec := &chains.Receipt{
		TxHash:      txHash,
		BlockNumber: r.BlockNumber.Int64(),
		Success:     r.Status == types.ReceiptStatusSuccessful,
		GasUsed:     new(big.Int).SetUint64(r.GasUsed).String(),
	}
	if r.EffectiveGasPrice != nil {
		rec.GasPrice = r.EffectiveGasPrice.String()
	}
	return rec, nil
}

func (c *Client) NativeBalance(ctx context.Context, addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", core.Errorf(core.ErrInvalidData, "bad address %q", addr)
	}
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	var bal *big.Int
	err := chains.WithRetry(ctx, func() error {
		var err error
		bal, err = c.eth.BalanceAt(ctx, common.HexToAddress(addr), nil)
		return core.WrapError(core.ErrNetwork, err)
	})
	if err != nil {
		return "", fmt.Errorf("eth_getBalance %s: %w", addr, err)
	}
	return bal.String(), nil
}

func (c *Client) TokenBalance(ctx context.Context, contract, addr string) (string, error) {
	if !common.IsHexAddress(contract) || !common.IsHexAddress(addr) {
		return "", core.Errorf(core.ErrInvalidData, "bad balanceOf target %q/%q", contract, addr)
	}
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()

	to := common.HexToAddress(contract)
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32)...)
	var out []byte
	err := chains.WithRetry(ctx, func() error {
		var err error
		out, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return core.WrapError(core.ErrNetwork, err)
	})
	if err != nil {
		return "", fmt.Errorf("balanceOf %s on %s: %w", addr, contract, err)
	}
	if len(out) == 0 {
		return "0", nil
	}
	return new(big.Int).SetBytes(out).String(), nil
}

func (c *Client) NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", core.Errorf(core.ErrInvalidData, "bad evm address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// PendingNonce fetches the pending-tag nonce of addr. Must only be called
// while holding the funder advisory lock.
func (c *Client) PendingNonce(ctx context.Context, addr string) (uint64, error) {
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	n, err := c.eth.PendingNonceAt(ctx, common.HexToAddress(addr))
	if err != nil {
		return 0, core.WrapError(core.ErrNetwork, err)
	}
	return n, nil
}

// GasPrice returns the node's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	p, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, core.WrapError(core.ErrNetwork, err)
	}
	return p, nil
}

// SendRawTransaction decodes and broadcasts a signed transaction, returning
// its hash. Broadcast errors come back verbatim so the execution worker's
// matcher can classify them.
func (c *Client) SendRawTransaction(ctx context.Context, signedHex string) (string, error) {
	raw, err := hexutil.Decode(ensureHexPrefix(signedHex))
	if err != nil {
		return "", core.Errorf(core.ErrInvalidData, "bad signed tx hex: %v", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", core.Errorf(core.ErrInvalidData, "bad signed tx: %v", err)
	}
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
