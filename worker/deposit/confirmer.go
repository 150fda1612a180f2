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

package deposit

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/metrics"
	"github.com/opencustody/chainops/store"
	"github.com/opencustody/chainops/worker"
)

// DefaultConfirmBatch is how many due deposits one confirmer cycle picks.
const DefaultConfirmBatch = 50

// ConfirmerStore is the datastore surface the confirmer needs.
type ConfirmerStore interface {
	store.ChainReader
	store.DepositStore
	store.LedgerStore
}

// Confirmer walks pending deposits to confirmed and credits the ledger.
// The credit is exactly-once: a compare-and-set on the pending status picks
// a single winner, and credited_at records that the ledger call returned,
// so a crash between the two is retried without double crediting.
type Confirmer struct {
	st      ConfirmerStore
	adapter chains.Adapter
	chain   core.Chain
	batch   int
	log     log.Logger
}

// NewConfirmer creates a confirmer for one chain.
func NewConfirmer(st ConfirmerStore, adapter chains.Adapter, chain core.Chain, batch int) *Confirmer {
	if batch <= 0 {
		batch = DefaultConfirmBatch
	}
	return &Confirmer{
		st:      st,
		adapter: adapter,
		chain:   chain,
		batch:   batch,
		log:     log.New("worker", "deposit_confirmer", "chain", chain.Name),
	}
}

// Cycle runs one confirmer pass.
func (c *Confirmer) Cycle(ctx context.Context) (worker.Result, error) {
	due, err := c.st.DueDeposits(ctx, c.chain.ID, c.batch)
	if err != nil {
		return worker.Result{}, err
	}
	if len(due) == 0 {
		return worker.Result{Skipped: true}, nil
	}

	current, err := c.adapter.CurrentBlock(ctx)
	if err != nil {
		return worker.Result{}, fmt.Errorf("current block: %w", err)
	}

	confirmed, credited := 0, 0
	for _, dep := range due {
		didConfirm, didCredit, err := c.step(ctx, dep, current)
		if err != nil {
			// Row-scoped failure: log and keep walking the batch.
			c.log.Error("Deposit confirmation failed", "deposit", dep.ID, "tx", dep.TxHash, "err", err)
			continue
		}
		if didConfirm {
			confirmed++
		}
		if didCredit {
			credited++
		}
	}
	return worker.Result{Metadata: map[string]any{
		"picked": len(due), "confirmed": confirmed, "credited": credited,
	}}, nil
}

// step advances a single deposit as far as the chain allows.
func (c *Confirmer) step(ctx context.Context, dep core.Deposit, current int64) (didConfirm, didCredit bool, err error) {
	if dep.Status == core.DepositPending {
		conf := chains.Confirmations(current, dep.BlockNumber)
		if conf == 0 {
			// The node answering this cycle is behind the one that saw the
			// deposit. Not an error; wait for it to catch up.
			return false, false, nil
		}
		if conf < c.chain.ConfirmationThreshold {
			return false, false, c.st.UpdateDepositConfirmations(ctx, dep.ID, conf)
		}
		won, err := c.st.MarkDepositConfirmed(ctx, dep.ID, conf)
		if err != nil {
			return false, false, err
		}
		if !won {
			// Another instance confirmed it; that instance credits too.
			return false, false, nil
		}
		didConfirm = true
		c.log.Info("Deposit confirmed", "deposit", dep.ID, "tx", dep.TxHash, "confirmations", conf)
	}

	// Re-read before crediting: the row may already carry credited_at from
	// a previous run that crashed after the ledger call.
	fresh, err := c.st.DepositByID(ctx, dep.ID)
	if err != nil {
		return didConfirm, false, err
	}
	if fresh == nil || fresh.Status != core.DepositConfirmed || fresh.CreditedAt != nil {
		return didConfirm, false, nil
	}

	asset, err := c.st.AssetByID(ctx, fresh.AssetOnChainID)
	if err != nil {
		return didConfirm, false, err
	}
	if asset == nil {
		return didConfirm, false, fmt.Errorf("asset %d not found", fresh.AssetOnChainID)
	}
	if err := c.st.Credit(ctx, fresh.UID, asset.AssetID, fresh.AmountHuman); err != nil {
		// credited_at stays null; the next cycle retries the credit.
		return didConfirm, false, fmt.Errorf("credit: %w", err)
	}
	if err := c.st.MarkDepositCredited(ctx, fresh.ID); err != nil {
		return didConfirm, false, err
	}
	metrics.DepositCredited()
	c.log.Info("Deposit credited", "deposit", fresh.ID, "uid", fresh.UID,
		"asset", asset.Symbol, "amount", fresh.AmountHuman)
	return didConfirm, true, nil
}
