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
	"testing"
	"time"
)

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{5, 15 * time.Minute},
		{8, 15 * time.Minute},
		{100, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.retries); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	fatal := []ErrorType{ErrInvalidData, ErrInsufficientBalance, ErrUnauthorized, ErrDerivationFailed, ErrTxReverted}
	for _, ft := range fatal {
		if ft.Retryable() {
			t.Errorf("%s must not be retryable", ft)
		}
	}
	transient := []ErrorType{ErrNetwork, ErrTapos, ErrGasSpike, ErrNonceTooLow, ErrVaultUnavailable, ErrFundingWalletNotFound}
	for _, tt := range transient {
		if !tt.Retryable() {
			t.Errorf("%s must be retryable", tt)
		}
	}
}

func TestClassifyAndTag(t *testing.T) {
	err := Errorf(ErrTapos, "block ref expired")
	if Classify(err) != ErrTapos {
		t.Fatalf("Classify = %s, want %s", Classify(err), ErrTapos)
	}
	if got, want := Tag(err), "[tapos_error] block ref expired"; got != want {
		t.Fatalf("Tag = %q, want %q", got, want)
	}

	// Wrapped classified errors keep their type.
	wrapped := fmt.Errorf("submit: %w", err)
	if Classify(wrapped) != ErrTapos {
		t.Fatalf("Classify(wrapped) = %s, want %s", Classify(wrapped), ErrTapos)
	}

	// Plain errors default to network_error.
	if Classify(errors.New("dial tcp: timeout")) != ErrNetwork {
		t.Fatal("unclassified errors must default to network_error")
	}
}
