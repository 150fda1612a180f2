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

package chains

import (
	"context"
	"errors"
	"testing"

	"github.com/opencustody/chainops/core"
)

func TestConfirmations(t *testing.T) {
	tests := []struct {
		current, txBlock, want int64
	}{
		{1000, 980, 21},
		{980, 980, 1},
		{979, 980, 0}, // head behind the mined block: wait
		{1000, 1, 1000},
	}
	for _, tt := range tests {
		if got := Confirmations(tt.current, tt.txBlock); got != tt.want {
			t.Errorf("Confirmations(%d, %d) = %d, want %d", tt.current, tt.txBlock, got, tt.want)
		}
	}
}

func TestWithRetryTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return core.Errorf(core.ErrNetwork, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWithRetryFailFast(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return core.Errorf(core.ErrUnauthorized, "bad key")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("auth errors must not be retried, got %d attempts", calls)
	}
	if core.Classify(err) != core.ErrUnauthorized {
		t.Fatalf("classification lost through retry: %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(errors.New("transaction not found")) {
		t.Error("expected not-found match")
	}
	if IsNotFound(errors.New("connection refused")) {
		t.Error("transport errors are not not-found")
	}
	if IsNotFound(nil) {
		t.Error("nil is not not-found")
	}
}
