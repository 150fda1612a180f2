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

// Package balance refreshes wallet-balance rows from the chain. It is the
// only writer of the balance columns; amounts pass through as integer and
// exact decimal strings, never as floats.
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/store"
	"github.com/opencustody/chainops/worker"
)

const (
	// DefaultBatch is how many rows one sync cycle leases.
	DefaultBatch = 50
	// DefaultLeaseTTL bounds how long a crashed instance blocks a row.
	DefaultLeaseTTL = 2 * time.Minute
)

// SyncStore is the datastore surface balance sync needs.
type SyncStore interface {
	store.ChainReader
	store.WalletReader
	store.BalanceStore
}

// Syncer refreshes the oldest-checked rows under the general lease. It is
// multi-chain: one instance serves every chain it has an adapter for.
type Syncer struct {
	st       SyncStore
	adapters map[int64]chains.Adapter // chain id -> adapter
	workerID string
	batch    int
	ttl      time.Duration
	log      log.Logger
}

// NewSyncer creates a balance syncer. workerID scopes its leases.
func NewSyncer(st SyncStore, adapters map[int64]chains.Adapter, workerID string, batch int, ttl time.Duration) *Syncer {
	if batch <= 0 {
		batch = DefaultBatch
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Syncer{
		st:       st,
		adapters: adapters,
		workerID: workerID,
		batch:    batch,
		ttl:      ttl,
		log:      log.New("worker", workerID),
	}
}

// Cycle runs one sync pass: pick, lease, refresh, release.
func (s *Syncer) Cycle(ctx context.Context) (worker.Result, error) {
	candidates, err := s.st.SyncCandidates(ctx, s.batch)
	if err != nil {
		return worker.Result{}, err
	}
	if len(candidates) == 0 {
		return worker.Result{Skipped: true}, nil
	}

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	won, err := s.st.AcquireGeneralLease(ctx, ids, s.workerID, s.ttl, core.StatusProcessing)
	if err != nil {
		return worker.Result{}, fmt.Errorf("acquire leases: %w", err)
	}
	if len(won) == 0 {
		return worker.Result{Skipped: true}, nil
	}

	wonSet := make(map[int64]bool, len(won))
	for _, id := range won {
		wonSet[id] = true
	}

	synced, failed := 0, 0
	for _, row := range candidates {
		if !wonSet[row.ID] {
			continue
		}
		if err := s.syncRow(ctx, row); err != nil {
			failed++
			s.log.Warn("Balance sync failed", "row", row.ID, "err", err)
			if rerr := s.st.RecordRowError(ctx, row.ID, core.Tag(err)); rerr != nil {
				s.log.Error("Row error write failed", "row", row.ID, "err", rerr)
			}
		} else {
			synced++
		}
		if rerr := s.st.ReleaseGeneralLease(ctx, row.ID, s.workerID); rerr != nil {
			s.log.Error("Lease release failed", "row", row.ID, "err", rerr)
		}
	}
	return worker.Result{Metadata: map[string]any{
		"leased": len(won), "synced": synced, "failed": failed,
	}}, nil
}

// syncRow refreshes one row from the chain.
func (s *Syncer) syncRow(ctx context.Context, row core.WalletBalance) error {
	asset, err := s.st.AssetByID(ctx, row.AssetOnChainID)
	if err != nil {
		return err
	}
	if asset == nil {
		return core.Errorf(core.ErrInvalidData, "asset %d not found", row.AssetOnChainID)
	}
	adapter, ok := s.adapters[asset.ChainID]
	if !ok {
		return core.Errorf(core.ErrInvalidData, "no adapter for chain %d", asset.ChainID)
	}

	addr, _, _, found, err := s.st.WalletAddress(ctx, row.WalletID)
	if err != nil {
		return err
	}
	if !found {
		return core.Errorf(core.ErrInvalidData, "wallet %d not found", row.WalletID)
	}

	var raw string
	err = chains.WithRetry(ctx, func() error {
		var err error
		if asset.IsNative {
			raw, err = adapter.NativeBalance(ctx, addr)
		} else {
			raw, err = adapter.TokenBalance(ctx, asset.ContractAddress, addr)
		}
		return err
	})
	if err != nil {
		return err
	}

	human, err := core.FormatUnits(raw, asset.Decimals)
	if err != nil {
		return core.WrapError(core.ErrInvalidData, fmt.Errorf("balance %q: %w", raw, err))
	}
	return s.st.WriteSyncedBalance(ctx, row.ID, raw, human)
}
