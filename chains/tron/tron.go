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

// Package tron implements the chain capability set for Tron over the
// provider HTTP API (wallet endpoints plus the v1 contract-event index).
package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
)

// Client is the Tron adapter. Unlike the EVM side it exposes no
// execution-side calls: Tron transactions are built and broadcast by the
// signer (TAPOS refs expire within seconds, so in-worker construction is a
// persistent failure mode).
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

var _ chains.Adapter = (*Client)(nil)

// New creates a Tron adapter for a provider base URL. apiKey may be empty
// for self-hosted nodes.
func New(base, apiKey string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Family() core.Family { return core.FamilyTron }

func (c *Client) CurrentBlock(ctx context.Context) (int64, error) {
	var resp struct {
		BlockHeader struct {
			RawData struct {
				Number int64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	err := chains.WithRetry(ctx, func() error {
		return c.post(ctx, "/wallet/getnowblock", map[string]any{}, &resp)
	})
	if err != nil {
		return 0, fmt.Errorf("getnowblock: %w", err)
	}
	if resp.BlockHeader.RawData.Number == 0 {
		return 0, core.Errorf(core.ErrNetwork, "getnowblock returned no height")
	}
	return resp.BlockHeader.RawData.Number, nil
}

// eventPage is one page of the provider's contract event index.
type eventPage struct {
	Data []struct {
		TransactionID string            `json:"transaction_id"`
		BlockNumber   int64             `json:"block_number"`
		EventIndex    uint              `json:"event_index"`
		EventName     string            `json:"event_name"`
		Result        map[string]string `json:"result"`
	} `json:"data"`
	Meta struct {
		Links struct {
			Next string `json:"next"`
		} `json:"links"`
	} `json:"meta"`
}

func (c *Client) TransferLogs(ctx context.Context, contract string, from, to int64) ([]chains.TransferLog, error) {
	if !IsAddress(contract) {
		return nil, core.Errorf(core.ErrInvalidData, "bad contract address %q", contract)
	}
	next := fmt.Sprintf("%s/v1/contracts/%s/events?event_name=Transfer&min_block=%d&max_block=%d&limit=200",
		c.base, url.PathEscape(contract), from, to)

	var out []chains.TransferLog
	for next != "" {
		var page eventPage
		err := chains.WithRetry(ctx, func() error { return c.get(ctx, next, &page) })
		if err != nil {
			return nil, fmt.Errorf("contract events %s [%d,%d]: %w", contract, from, to, err)
		}
		for _, ev := range page.Data {
			if ev.EventName != "Transfer" || ev.BlockNumber < from || ev.BlockNumber > to {
				continue
			}
			t, err := c.decodeTransferEvent(contract, ev.TransactionID, ev.BlockNumber, ev.EventIndex, ev.Result)
			if err != nil {
				// Malformed individual events are skipped; the range scan
				// must not abort on one bad row.
				continue
			}
			out = append(out, t)
		}
		next = page.Meta.Links.Next
	}
	return out, nil
}

func (c *Client) decodeTransferEvent(contract, txID string, block int64, index uint, result map[string]string) (chains.TransferLog, error) {
	from, err := HexToAddress(result["from"])
	if err != nil {
		return chains.TransferLog{}, err
	}
	to, err := HexToAddress(result["to"])
	if err != nil {
		return chains.TransferLog{}, err
	}
	value := result["value"]
	if value == "" {
		return chains.TransferLog{}, core.Errorf(core.ErrInvalidData, "transfer event without value in tx %s", txID)
	}
	if _, err := core.ParseRaw(value); err != nil {
		return chains.TransferLog{}, err
	}
	return chains.TransferLog{
		TxHash:      txID,
		LogIndex:    index,
		BlockNumber: block,
		Contract:    contract,
		From:        from,
		To:          to,
		AmountRaw:   value,
	}, nil
}

func (c *Client) GetReceipt(ctx context.Context, txHash string) (*chains.Receipt, error) {
	var resp struct {
		ID          string `json:"id"`
		BlockNumber int64  `json:"blockNumber"`
		Fee         int64  `json:"fee"`
		Receipt     struct {
			Result           string `json:"result"`
			EnergyUsageTotal int64  `json:"energy_usage_total"`
		} `json:"receipt"`
	}
	err := chains.WithRetry(ctx, func() error {
		return c.post(ctx, "/wallet/gettransactioninfo", map[string]any{"value": txHash}, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("gettransactioninfo %s: %w", txHash, err)
	}
	// An unknown or unmined transaction comes back as an empty object.
	if resp.ID == "" {
		return nil, nil
	}
	// A missing result means plain TRX transfer success; "SUCCESS" means
	// contract success; anything else is a failure.
	success := resp.Receipt.Result == "" || resp.Receipt.Result == "SUCCESS"
	return &chains.Receipt{
		TxHash:      txHash,
		BlockNumber: resp.BlockNumber,
		Success:     success,
		GasUsed:     new(big.Int).SetInt64(resp.Receipt.EnergyUsageTotal).String(),
		GasPrice:    new(big.Int).SetInt64(resp.Fee).String(),
	}, nil
}

func (c *Client) NativeBalance(ctx context.Context, addr string) (string, error) {
	if !IsAddress(addr) {
		return "", core.Errorf(core.ErrInvalidData, "bad address %q", addr)
	}
	var resp struct {
		Balance int64 `json:"balance"`
	}
	err := chains.WithRetry(ctx, func() error {
		return c.post(ctx, "/wallet/getaccount", map[string]any{"address": addr, "visible": true}, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("getaccount %s: %w", addr, err)
	}
	// Accounts that never received funds are absent and report zero.
	return new(big.Int).SetInt64(resp.Balance).String(), nil
}

func (c *Client) TokenBalance(ctx context.Context, contract, addr string) (string, error) {
	body, err := DecodeAddress(addr)
	if err != nil {
		return "", err
	}
	if !IsAddress(contract) {
		return "", core.Errorf(core.ErrInvalidData, "bad contract address %q", contract)
	}
	param := hex.EncodeToString(leftPad32(body[1:]))
	var resp struct {
		ConstantResult []string `json:"constant_result"`
		Result         struct {
			Result bool `json:"result"`
		} `json:"result"`
	}
	req := map[string]any{
		"owner_address":     addr,
		"contract_address":  contract,
		"function_selector": "balanceOf(address)",
		"parameter":         param,
		"visible":           true,
	}
	err = chains.WithRetry(ctx, func() error {
		return c.post(ctx, "/wallet/triggerconstantcontract", req, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("trc20 balanceOf %s on %s: %w", addr, contract, err)
	}
	if !resp.Result.Result || len(resp.ConstantResult) == 0 {
		return "", core.Errorf(core.ErrInvalidData, "trc20 balanceOf %s on %s returned no result", addr, contract)
	}
	raw, err := hex.DecodeString(resp.ConstantResult[0])
	if err != nil {
		return "", core.Errorf(core.ErrInvalidData, "trc20 balanceOf result: %v", err)
	}
	return new(big.Int).SetBytes(raw).String(), nil
}

func (c *Client) NormalizeAddress(addr string) (string, error) {
	// Base58check is already canonical; decoding validates it.
	if _, err := DecodeAddress(addr); err != nil {
		return "", err
	}
	return addr, nil
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	payload, err := json.Marshal(body)
	if err != nil {
		return core.WrapError(core.ErrInvalidData, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return core.WrapError(core.ErrInvalidData, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, rawurl string, out any) error {
	ctx, cancel := chains.CallContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return core.WrapError(core.ErrInvalidData, err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return core.WrapError(core.ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return core.WrapError(core.ErrNetwork, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.Errorf(core.ErrUnauthorized, "provider rejected request: %s", resp.Status)
	case resp.StatusCode >= 400:
		return core.Errorf(core.ErrNetwork, "provider status %s: %s", resp.Status, truncate(data, 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return core.Errorf(core.ErrNetwork, "bad provider response: %v", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
