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

// Package chains defines the per-family chain capability set. The two
// concrete adapters (chains/evm, chains/tron) are stateless; workers hold
// one per active chain and parameterize over the family, never over the
// concrete type.
package chains

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencustody/chainops/core"
)

// TransferLog is one decoded token or native transfer extracted from a
// block range scan. Addresses are in the chain's canonical display form;
// use the adapter's NormalizeAddress for map keys.
type TransferLog struct {
	TxHash      string
	LogIndex    uint
	BlockNumber int64
	Contract    string
	From        string
	To          string
	AmountRaw   string // integer string
}

// Receipt is the minimal execution result the confirmation workers need.
type Receipt struct {
	TxHash      string
	BlockNumber int64
	Success     bool
	GasUsed     string
	GasPrice    string
}

// Adapter is the chain capability set. All methods honor ctx and classify
// failures: transient transport problems surface as core.ErrNetwork,
// malformed inputs as core.ErrInvalidData. Implementations are safe for
// concurrent use.
type Adapter interface {
	// Family reports which execution model this adapter speaks.
	Family() core.Family

	// CurrentBlock returns the chain head height.
	CurrentBlock(ctx context.Context) (int64, error)

	// TransferLogs returns token Transfer events for contract in the
	// inclusive block range [from, to].
	TransferLogs(ctx context.Context, contract string, from, to int64) ([]TransferLog, error)

	// GetReceipt fetches the execution result of txHash. A transaction not
	// yet mined returns (nil, nil).
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// NativeBalance returns the native-asset balance of addr as an integer
	// string.
	NativeBalance(ctx context.Context, addr string) (string, error)

	// TokenBalance returns the token balance of addr on contract as an
	// integer string.
	TokenBalance(ctx context.Context, contract, addr string) (string, error)

	// NormalizeAddress maps an address to its canonical comparison form, or
	// errors on malformed input.
	NormalizeAddress(addr string) (string, error)
}

// Confirmations computes how deep a transaction mined at txBlock is when
// the head is at current: current - txBlock + 1. A head behind the mined
// block (reorg in progress) yields zero; callers wait.
func Confirmations(current, txBlock int64) int64 {
	if current < txBlock {
		return 0
	}
	return current - txBlock + 1
}

// retryAttempts bounds transient-error retries inside adapters. Auth and
// malformed-input errors fail fast.
const retryAttempts = 3

// WithRetry runs op with bounded exponential backoff on transient errors.
// Classified non-network errors are permanent and returned immediately.
func WithRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retryAttempts), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var ce *core.Error
		if errors.As(err, &ce) && ce.Type != core.ErrNetwork {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// IsNotFound reports whether an RPC error looks like "transaction not
// found" rather than a transport failure.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown transaction")
}

// rpcTimeout is the default per-call deadline adapters apply when the
// caller passed an unbounded context.
const rpcTimeout = 30 * time.Second

// CallContext derives a bounded context for one RPC.
func CallContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, rpcTimeout)
}
