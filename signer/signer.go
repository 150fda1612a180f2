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

// Package signer is the client for the external signing service, the only
// process that holds key material. Workers hand it either a Tron intent
// (the signer builds, signs and broadcasts, returning the tx hash) or a
// serialized unsigned EVM transaction (the signer returns the signed raw
// transaction for the worker to broadcast).
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opencustody/chainops/core"
)

// Intent types the signer understands.
const (
	IntentSendTRX       = "send_trx"
	IntentTRC20Transfer = "trc20_transfer"
)

// Intent is an abstract transaction description for signer-side
// construction. Used for Tron: TAPOS block refs expire within seconds, so
// building in the worker is a persistent failure mode.
type Intent struct {
	Type            string `json:"type"`
	From            string `json:"from"`
	To              string `json:"to"`
	AmountSun       string `json:"amount_sun,omitempty"`
	AmountWei       string `json:"amount_wei,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
}

// Request is one signing call.
type Request struct {
	Chain           string  `json:"chain"`
	WalletGroupID   int64   `json:"wallet_group_id"`
	DerivationIndex uint32  `json:"derivation_index"`
	TxIntent        *Intent `json:"tx_intent,omitempty"`
	UnsignedTx      string  `json:"unsigned_tx,omitempty"`
}

// Result is the signer's answer. For intents TxHash is set (the signer
// broadcast); for unsigned transactions SignedTx is set.
type Result struct {
	SignedTx string `json:"signed_tx,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// errorBody is the signer's error envelope.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// Client is a stateless HTTP client for the signer RPC.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// New creates a signer client. Every call carries a finite timeout; a
// signer that never answers surfaces as a retryable network error.
func New(base, apiKey string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Sign submits req and maps signer failures onto the job error taxonomy:
// UNAUTHORIZED and DERIVATION_FAILED are fatal, VAULT_UNAVAILABLE and
// SIGNING_FAILED retryable, TAPOS_ERROR retryable with the extra contract
// that the caller must discard any hash it may have seen.
func (c *Client) Sign(ctx context.Context, req *Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, core.WrapError(core.ErrInvalidData, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/sign", bytes.NewReader(payload))
	if err != nil {
		return nil, core.WrapError(core.ErrInvalidData, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, core.WrapError(core.ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, core.WrapError(core.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(resp.StatusCode, data)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, core.Errorf(core.ErrSigningFailed, "bad signer response: %v", err)
	}
	if res.SignedTx == "" && res.TxHash == "" {
		return nil, core.Errorf(core.ErrSigningFailed, "signer returned neither signed_tx nor tx_hash")
	}
	return &res, nil
}

func classifyError(status int, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	kind := body.ErrorType
	if kind == "" {
		kind = body.ErrorCode
	}
	msg := body.Message
	if msg == "" {
		msg = fmt.Sprintf("signer status %d", status)
	}
	switch strings.ToUpper(kind) {
	case "UNAUTHORIZED":
		return core.Errorf(core.ErrUnauthorized, "%s", msg)
	case "DERIVATION_FAILED":
		return core.Errorf(core.ErrDerivationFailed, "%s", msg)
	case "VAULT_UNAVAILABLE":
		return core.Errorf(core.ErrVaultUnavailable, "%s", msg)
	case "SIGNING_FAILED":
		return core.Errorf(core.ErrSigningFailed, "%s", msg)
	case "TAPOS_ERROR":
		return core.Errorf(core.ErrTapos, "%s", msg)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return core.Errorf(core.ErrUnauthorized, "%s", msg)
	}
	if status >= 500 {
		return core.Errorf(core.ErrVaultUnavailable, "%s", msg)
	}
	return core.Errorf(core.ErrSigningFailed, "%s", msg)
}

// Health probes the signer's health endpoint, for startup checks.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return core.WrapError(core.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.Errorf(core.ErrVaultUnavailable, "signer health: %s", resp.Status)
	}
	return nil
}
