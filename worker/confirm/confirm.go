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

// Package confirm finalizes broadcast queue jobs: it polls receipts for
// confirming jobs, settles them once the chain threshold is reached, and
// releases the wallet lease the executor left held. One implementation
// serves all three queues; only the terminal side effects differ by kind.
package confirm

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/metrics"
	"github.com/opencustody/chainops/store"
	"github.com/opencustody/chainops/worker"
)

const (
	// DefaultBatch is how many confirming jobs one cycle polls.
	DefaultBatch = 25
	// RecheckDelay spaces receipt polls for still-unmined transactions.
	RecheckDelay = 20 * time.Second
)

// Store is the datastore surface the confirmer needs.
type Store interface {
	store.JobStore
	store.BalanceStore
	store.WithdrawalStore
}

// Confirmer finalizes one queue kind on one chain.
type Confirmer struct {
	st      Store
	adapter chains.Adapter
	chain   core.Chain
	kind    core.QueueKind
	batch   int
	log     log.Logger
}

// New creates a confirmer for one queue kind on one chain.
func New(st Store, adapter chains.Adapter, chain core.Chain, kind core.QueueKind, batch int) *Confirmer {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Confirmer{
		st:      st,
		adapter: adapter,
		chain:   chain,
		kind:    kind,
		batch:   batch,
		log:     log.New("worker", string(kind)+"_confirm", "chain", chain.Name),
	}
}

// Cycle polls receipts for one batch of confirming jobs.
func (c *Confirmer) Cycle(ctx context.Context) (worker.Result, error) {
	jobs, err := c.st.ConfirmingJobs(ctx, c.kind, c.chain.ID, c.batch)
	if err != nil {
		return worker.Result{}, err
	}
	if len(jobs) == 0 {
		return worker.Result{Skipped: true}, nil
	}

	current, err := c.adapter.CurrentBlock(ctx)
	if err != nil {
		return worker.Result{}, err
	}

	confirmed, failed := 0, 0
	for _, job := range jobs {
		outcome, err := c.Step(ctx, job, current)
		if err != nil {
			c.log.Warn("Receipt poll failed", "job", job.ID, "tx", job.TxHash, "err", err)
			continue
		}
		switch outcome {
		case core.JobConfirmed:
			confirmed++
		case core.JobFailed:
			failed++
		}
	}
	return worker.Result{Metadata: map[string]any{
		"picked": len(jobs), "confirmed": confirmed, "failed": failed,
	}}, nil
}

// Step settles one confirming job as far as the chain allows. It returns
// the terminal status reached, or the empty string when the job stays in
// confirming.
func (c *Confirmer) Step(ctx context.Context, job core.Job, current int64) (core.JobStatus, error) {
	var receipt *chains.Receipt
	err := chains.WithRetry(ctx, func() error {
		var err error
		receipt, err = c.adapter.GetReceipt(ctx, job.TxHash)
		return err
	})
	if err != nil {
		return "", err
	}
	if receipt == nil {
		// Not mined yet. Space out the next look instead of hot-looping.
		return "", c.st.SetJobScheduledAt(ctx, c.kind, job.ID, time.Now().Add(RecheckDelay))
	}

	if receipt.Success {
		if chains.Confirmations(current, receipt.BlockNumber) < c.chain.ConfirmationThreshold {
			return "", c.st.SetJobScheduledAt(ctx, c.kind, job.ID, time.Now().Add(RecheckDelay))
		}
		return core.JobConfirmed, c.settleSuccess(ctx, job, receipt)
	}
	return core.JobFailed, c.settleFailure(ctx, job)
}

func (c *Confirmer) settleSuccess(ctx context.Context, job core.Job, receipt *chains.Receipt) error {
	if err := c.st.ConfirmJob(ctx, c.kind, job.ID, receipt.GasUsed, receipt.GasPrice); err != nil {
		return err
	}
	if err := c.releaseLease(ctx, job); err != nil {
		return err
	}
	switch c.kind {
	case core.QueueConsolidation:
		// Balances stay untouched; sync picks up the movement.
		if err := c.st.SetConsolidationDone(ctx, job.WalletBalanceID); err != nil {
			return err
		}
	case core.QueueWithdrawal:
		if err := c.st.CompleteRequest(ctx, job.WithdrawalRequestID, job.TxHash); err != nil {
			return err
		}
	}
	metrics.JobTerminal(string(c.kind), string(core.JobConfirmed))
	c.log.Info("Job confirmed", "job", job.ID, "tx", job.TxHash, "gasUsed", receipt.GasUsed)
	return nil
}

func (c *Confirmer) settleFailure(ctx context.Context, job core.Job) error {
	if err := c.st.FailJob(ctx, c.kind, job.ID, core.Tag(core.Errorf(core.ErrTxReverted, "reverted on chain"))); err != nil {
		return err
	}
	if err := c.releaseLease(ctx, job); err != nil {
		return err
	}
	// For consolidation needs_consolidation stays set; the planner decides
	// whether to try again.
	if c.kind == core.QueueWithdrawal {
		if err := c.st.FailRequest(ctx, job.WithdrawalRequestID); err != nil {
			return err
		}
	}
	metrics.JobTerminal(string(c.kind), string(core.JobFailed))
	c.log.Warn("Job failed on chain", "job", job.ID, "tx", job.TxHash)
	return nil
}

// releaseLease frees the operation lease the executor acquired. Withdrawals
// never hold one.
func (c *Confirmer) releaseLease(ctx context.Context, job core.Job) error {
	switch c.kind {
	case core.QueueConsolidation:
		return c.st.ReleaseOpLease(ctx, core.LeaseConsolidation, job.WalletBalanceID)
	case core.QueueGasTopup:
		return c.st.ReleaseOpLease(ctx, core.LeaseGas, job.WalletBalanceID)
	}
	return nil
}
