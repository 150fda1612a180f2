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

package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType tags a job failure for the retry policy. The tag is persisted
// into error_message as "[type] text" so operators can grep the queues.
type ErrorType string

const (
	// Non-retryable: the job jumps straight to failed.
	ErrInvalidData         ErrorType = "invalid_data"
	ErrInsufficientBalance ErrorType = "insufficient_balance"
	ErrUnauthorized        ErrorType = "unauthorized"
	ErrDerivationFailed    ErrorType = "derivation_failed"
	ErrTxReverted          ErrorType = "tx_reverted"

	// Retryable: the job returns to pending with backoff.
	ErrNetwork                ErrorType = "network_error"
	ErrNonce                  ErrorType = "nonce_error"
	ErrGas                    ErrorType = "gas_error"
	ErrGasSpike               ErrorType = "gas_spike"
	ErrGasPriceExceeded       ErrorType = "gas_price_exceeded"
	ErrReplacementUnderpriced ErrorType = "replacement_underpriced"
	ErrNonceTooLow            ErrorType = "nonce_too_low"
	ErrVaultUnavailable       ErrorType = "vault_unavailable"
	ErrSigningFailed          ErrorType = "signing_failed"
	ErrTapos                  ErrorType = "tapos_error"
	ErrFundingWalletNotFound  ErrorType = "funding_wallet_not_found"
)

// Retryable reports whether a job failing with this type should be
// rescheduled rather than terminally failed. Unknown types are treated as
// retryable; a transient misclassification must not burn a job.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrInvalidData, ErrInsufficientBalance, ErrUnauthorized, ErrDerivationFailed, ErrTxReverted:
		return false
	}
	return true
}

// Error is a classified failure. Workers persist e.Tag() into the owning
// row and let the batch continue.
type Error struct {
	Type ErrorType
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Type)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Tag renders the persisted "[type] text" form.
func (e *Error) Tag() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s]", e.Type)
	}
	return fmt.Sprintf("[%s] %v", e.Type, e.Err)
}

// WrapError classifies err. A nil err returns nil.
func WrapError(t ErrorType, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Type: t, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(t ErrorType, format string, args ...any) error {
	return &Error{Type: t, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the ErrorType from err, defaulting to network_error:
// anything unclassified reaching a job is assumed transient (timeouts and
// socket errors arrive as plain errors).
func Classify(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrNetwork
}

// Tag renders err in the persisted "[type] text" form, classifying first.
func Tag(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Tag()
	}
	return fmt.Sprintf("[%s] %v", ErrNetwork, err)
}

const (
	// MaxJobRetries is the default execution-queue retry budget.
	MaxJobRetries = 8

	backoffBase = 30 * time.Second
	backoffCap  = 15 * time.Minute
)

// RetryBackoff returns the delay before a job's next attempt:
// min(2^retryCount * 30s, 15m). retryCount is the count after increment, so
// the first retry waits 60s.
func RetryBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
