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

package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/store"
	"github.com/opencustody/chainops/worker"
)

// DefaultIntakeBatch is how many approved requests one intake cycle takes.
const DefaultIntakeBatch = 25

// IntakeStore is the datastore surface the withdrawal intake needs.
type IntakeStore interface {
	store.WalletReader
	store.WithdrawalStore
	store.JobStore
}

// Intake converts approved withdrawal requests into queue jobs. The
// sending hot wallet is pinned at intake time; the approved -> queued
// compare-and-set picks a single converter, and the queue's partial unique
// index on withdrawal_request_id absorbs any race that slips past it.
type Intake struct {
	st    IntakeStore
	chain core.Chain
	batch int
	log   log.Logger
}

// NewIntake creates the withdrawal intake for one chain.
func NewIntake(st IntakeStore, chain core.Chain, batch int) *Intake {
	if batch <= 0 {
		batch = DefaultIntakeBatch
	}
	return &Intake{st: st, chain: chain, batch: batch, log: log.New("worker", "withdrawal_intake", "chain", chain.Name)}
}

// Cycle converts one batch of approved requests.
func (in *Intake) Cycle(ctx context.Context) (worker.Result, error) {
	reqs, err := in.st.ApprovedRequests(ctx, in.chain.ID, in.batch)
	if err != nil {
		return worker.Result{}, err
	}
	if len(reqs) == 0 {
		return worker.Result{Skipped: true}, nil
	}

	queued := 0
	for _, req := range reqs {
		ok, err := in.take(ctx, req)
		if err != nil {
			in.log.Warn("Withdrawal intake failed", "request", req.ID, "err", err)
			continue
		}
		if ok {
			queued++
		}
	}
	return worker.Result{Metadata: map[string]any{"picked": len(reqs), "queued": queued}}, nil
}

func (in *Intake) take(ctx context.Context, req core.WithdrawalRequest) (bool, error) {
	// Pin the sender before the status flip; a chain without hot wallets
	// leaves the request approved for a later cycle.
	hot, err := in.st.PickOperationWallet(ctx, in.chain.ID, core.RoleHot)
	if err != nil {
		return false, err
	}
	if hot == nil {
		return false, core.Errorf(core.ErrFundingWalletNotFound, "no active hot wallet on chain %d", in.chain.ID)
	}

	won, err := in.st.MarkRequestQueued(ctx, req.ID)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	inserted, err := in.st.EnqueueJob(ctx, &core.Job{
		Kind:                core.QueueWithdrawal,
		ChainID:             in.chain.ID,
		AssetOnChainID:      req.AssetOnChainID,
		WalletID:            hot.ID,
		DestinationID:       hot.ID,
		WithdrawalRequestID: req.ID,
		ToAddress:           req.ToAddress,
		AmountRaw:           req.AmountRaw,
		AmountHuman:         req.AmountHuman,
		Priority:            "high",
	})
	if err != nil {
		return false, err
	}
	if inserted {
		if terr := in.st.TouchOperationWallet(ctx, hot.ID); terr != nil {
			in.log.Debug("last_used_at bump failed", "wallet", hot.ID, "err", terr)
		}
		in.log.Info("Withdrawal queued", "request", req.ID, "amount", req.AmountHuman, "to", req.ToAddress)
	}
	return inserted, nil
}
