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

// Package deposit holds the two halves of the deposit pipeline: the
// detector scans token transfer logs into pending rows, the confirmer walks
// pending rows to confirmed and credits the ledger exactly once.
package deposit

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/store"
	"github.com/opencustody/chainops/worker"
)

// DefaultBatchBlocks is the widest block window one detector cycle scans.
const DefaultBatchBlocks = 100

// DetectorStore is the datastore surface the detector needs.
type DetectorStore interface {
	store.ChainReader
	store.WalletReader
	store.CursorStore
	store.DepositStore
}

// Detector scans one chain's confirmed-enough blocks for inbound transfers
// to monitored user addresses. The cursor only advances after a fully
// processed window, so a crash rescans; the (tx_hash, log_index) key makes
// the rescan harmless.
type Detector struct {
	st      DetectorStore
	adapter chains.Adapter
	chain   core.Chain
	batch   int64
	log     log.Logger

	monitored mapset.Set[string]
	wallets   map[string]core.UserWallet // normalized address -> wallet
}

// NewDetector creates a detector for one chain.
func NewDetector(st DetectorStore, adapter chains.Adapter, chain core.Chain, batchBlocks int64) *Detector {
	if batchBlocks <= 0 {
		batchBlocks = DefaultBatchBlocks
	}
	return &Detector{
		st:        st,
		adapter:   adapter,
		chain:     chain,
		batch:     batchBlocks,
		log:       log.New("worker", "deposit_detector", "chain", chain.Name),
		monitored: mapset.NewSet[string](),
		wallets:   map[string]core.UserWallet{},
	}
}

// reload refreshes the monitored address set. Addresses are keyed in the
// adapter's canonical form so log comparison is case-stable.
func (d *Detector) reload(ctx context.Context) error {
	users, err := d.st.ActiveUserAddresses(ctx, d.chain.ID)
	if err != nil {
		return fmt.Errorf("load user addresses: %w", err)
	}
	fresh := mapset.NewSet[string]()
	wallets := make(map[string]core.UserWallet, len(users))
	for _, u := range users {
		addr, err := d.adapter.NormalizeAddress(u.Address)
		if err != nil {
			d.log.Warn("Skipping malformed user address", "wallet", u.ID, "address", u.Address, "err", err)
			continue
		}
		fresh.Add(addr)
		wallets[addr] = u
	}
	d.monitored = fresh
	d.wallets = wallets
	return nil
}

// window computes the next [from, to] scan range. ok is false when no block
// is confirmed enough yet.
func (d *Detector) window(ctx context.Context, current int64) (from, to int64, ok bool, err error) {
	safe := current - d.chain.ConfirmationThreshold
	if safe < 0 {
		return 0, 0, false, nil
	}
	last, found, err := d.st.LastProcessedBlock(ctx, d.chain.ID)
	if err != nil {
		return 0, 0, false, err
	}
	if !found {
		// First run: start at the safe head rather than genesis.
		last = safe - 1
		if last < 0 {
			last = 0
		}
	}
	from = last + 1
	if from > safe {
		return 0, 0, false, nil
	}
	to = from + d.batch - 1
	if to > safe {
		to = safe
	}
	return from, to, true, nil
}

// Cycle runs one detector pass.
func (d *Detector) Cycle(ctx context.Context) (worker.Result, error) {
	if err := d.reload(ctx); err != nil {
		return worker.Result{}, err
	}
	if d.monitored.Cardinality() == 0 {
		return worker.Result{Skipped: true}, nil
	}

	current, err := d.adapter.CurrentBlock(ctx)
	if err != nil {
		return worker.Result{}, fmt.Errorf("current block: %w", err)
	}
	from, to, ok, err := d.window(ctx, current)
	if err != nil {
		return worker.Result{}, err
	}
	if !ok {
		return worker.Result{Skipped: true}, nil
	}

	assets, err := d.st.ActiveAssets(ctx, d.chain.ID)
	if err != nil {
		return worker.Result{}, err
	}

	inserted := 0
	for _, asset := range assets {
		if asset.ContractAddress == "" {
			// Native inflows have no transfer log; balance sync sees them.
			continue
		}
		n, err := d.scanAsset(ctx, asset, from, to)
		if err != nil {
			// Cursor untouched: the whole window is retried next cycle.
			return worker.Result{}, fmt.Errorf("scan %s [%d,%d]: %w", asset.Symbol, from, to, err)
		}
		inserted += n
	}

	if err := d.st.SetLastProcessedBlock(ctx, d.chain.ID, to); err != nil {
		return worker.Result{}, fmt.Errorf("advance cursor: %w", err)
	}
	if inserted > 0 {
		d.log.Info("Deposits detected", "from", from, "to", to, "count", inserted)
	}
	return worker.Result{Metadata: map[string]any{"from": from, "to": to, "inserted": inserted}}, nil
}

func (d *Detector) scanAsset(ctx context.Context, asset core.AssetOnChain, from, to int64) (int, error) {
	var logs []chains.TransferLog
	err := chains.WithRetry(ctx, func() error {
		var err error
		logs, err = d.adapter.TransferLogs(ctx, asset.ContractAddress, from, to)
		return err
	})
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, tl := range logs {
		recipient, err := d.adapter.NormalizeAddress(tl.To)
		if err != nil {
			continue
		}
		if !d.monitored.Contains(recipient) {
			continue
		}
		wallet := d.wallets[recipient]

		exists, err := d.st.DepositExists(ctx, tl.TxHash, tl.LogIndex)
		if err != nil {
			return inserted, err
		}
		if exists {
			continue
		}

		human, err := core.FormatUnits(tl.AmountRaw, asset.Decimals)
		if err != nil {
			d.log.Warn("Skipping malformed transfer amount", "tx", tl.TxHash, "amount", tl.AmountRaw, "err", err)
			continue
		}
		from, err := d.adapter.NormalizeAddress(tl.From)
		if err != nil {
			from = tl.From
		}
		dep := &core.Deposit{
			ChainID:        d.chain.ID,
			AssetOnChainID: asset.ID,
			UID:            wallet.UID,
			FromAddress:    from,
			ToAddress:      recipient,
			AmountRaw:      tl.AmountRaw,
			AmountHuman:    human,
			TxHash:         tl.TxHash,
			LogIndex:       tl.LogIndex,
			BlockNumber:    tl.BlockNumber,
			FirstSeenBlock: tl.BlockNumber,
			Status:         core.DepositPending,
		}
		won, err := d.st.InsertDeposit(ctx, dep)
		if err != nil {
			return inserted, err
		}
		if won {
			inserted++
			d.log.Debug("Deposit recorded", "tx", tl.TxHash, "logIndex", tl.LogIndex,
				"asset", asset.Symbol, "amount", human, "uid", wallet.UID)
		}
	}
	return inserted, nil
}
