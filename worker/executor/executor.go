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

// Package executor drains the three execution queues. One state machine
// serves every queue; the chain-family submitters (Tron intents, EVM
// build-sign-broadcast) plug into it. A persisted tx_hash is the single
// source of truth for "already submitted": a job carrying one is never
// rebuilt, re-signed or re-broadcast.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/metrics"
	"github.com/opencustody/chainops/store"
	"github.com/opencustody/chainops/worker"
	"github.com/opencustody/chainops/worker/confirm"
)

const (
	// DefaultPick is how many due jobs one cycle fetches before choosing.
	DefaultPick = 25
	// DefaultLeaseTTL bounds a crashed executor's hold on a wallet row.
	DefaultLeaseTTL = 10 * time.Minute
	// leaseRetryDelay is how long a job waits when its wallet row is leased
	// by another operation.
	leaseRetryDelay = 30 * time.Second
)

// Submitter performs the chain-specific build-sign-broadcast for one job
// and returns the broadcast hash. It must not persist anything.
type Submitter interface {
	Submit(ctx context.Context, job core.Job) (txHash string, err error)
}

// Store is the datastore surface the executor needs.
type Store interface {
	store.JobStore
	store.BalanceStore
	store.WithdrawalStore
}

// Executor drains one queue kind on one chain.
type Executor struct {
	st       Store
	kind     core.QueueKind
	chain    core.Chain
	sub      Submitter
	workerID string
	pick     int
	leaseTTL time.Duration
	log      log.Logger

	// When set, the executor settles its own confirming jobs instead of
	// leaving them to a dedicated confirmation worker. The gas-topup queue
	// runs in this shape.
	confirmer *confirm.Confirmer
	adapter   chains.Adapter
}

// New creates an executor for one queue kind on one chain.
func New(st Store, kind core.QueueKind, chain core.Chain, sub Submitter, workerID string) *Executor {
	return &Executor{
		st:       st,
		kind:     kind,
		chain:    chain,
		sub:      sub,
		workerID: workerID,
		pick:     DefaultPick,
		leaseTTL: DefaultLeaseTTL,
		log:      log.New("worker", workerID),
	}
}

// WithConfirmer makes the executor settle its own confirming jobs.
func (e *Executor) WithConfirmer(c *confirm.Confirmer, adapter chains.Adapter) *Executor {
	e.confirmer = c
	e.adapter = adapter
	return e
}

// Cycle picks the most urgent due job and advances it one step.
func (e *Executor) Cycle(ctx context.Context) (worker.Result, error) {
	jobs, err := e.st.DueJobs(ctx, e.kind, e.chain.ID, e.pick)
	if err != nil {
		return worker.Result{}, err
	}
	if len(jobs) == 0 {
		return worker.Result{Skipped: true}, nil
	}

	sort.SliceStable(jobs, func(i, k int) bool {
		pi, pk := core.PriorityRank(jobs[i].Priority), core.PriorityRank(jobs[k].Priority)
		if pi != pk {
			return pi < pk
		}
		return jobs[i].ScheduledAt.Before(jobs[k].ScheduledAt)
	})

	job := jobs[0]
	if err := e.process(ctx, job); err != nil {
		return worker.Result{}, fmt.Errorf("job %d: %w", job.ID, err)
	}
	return worker.Result{Metadata: map[string]any{"job": job.ID, "status": string(job.Status)}}, nil
}

func (e *Executor) process(ctx context.Context, job core.Job) error {
	// Anything carrying a hash has been submitted; never submit again.
	if job.TxHash != "" {
		switch job.Status {
		case core.JobPending, core.JobProcessing:
			// Crash between broadcast persistence shapes; hand over to
			// confirmation.
			return e.st.MarkJobConfirming(ctx, e.kind, job.ID)
		case core.JobConfirming:
			if e.confirmer == nil {
				return nil
			}
			current, err := e.adapter.CurrentBlock(ctx)
			if err != nil {
				return err
			}
			_, err = e.confirmer.Step(ctx, job, current)
			return err
		}
		return nil
	}
	if job.Status != core.JobPending {
		return nil
	}

	won, err := e.st.MarkJobProcessing(ctx, e.kind, job.ID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if family, leased := e.leaseFamily(); leased {
		ok, err := e.st.AcquireOpLease(ctx, family, job.WalletBalanceID, e.workerID, e.leaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			// Another operation holds the wallet; back off without burning
			// a retry.
			e.log.Debug("Wallet busy, deferring", "job", job.ID, "row", job.WalletBalanceID)
			return e.st.RescheduleJob(ctx, e.kind, job.ID, job.ErrorMessage, job.RetryCount, time.Now().Add(leaseRetryDelay))
		}
	}

	txHash, err := e.sub.Submit(ctx, job)
	if err != nil {
		return e.handleSubmitError(ctx, job, err)
	}

	won, err = e.st.MarkJobBroadcast(ctx, e.kind, job.ID, txHash)
	if err != nil {
		return err
	}
	if !won {
		// A hash was persisted concurrently; ours describes the same intent
		// but the row keeps the winner's.
		e.log.Warn("Broadcast race on job", "job", job.ID, "tx", txHash)
		return nil
	}
	// The operation lease stays held; confirmation releases it.
	e.log.Info("Job broadcast", "job", job.ID, "tx", txHash, "amount", job.AmountHuman)
	return nil
}

// handleSubmitError applies the retry policy and releases the wallet lease
// so other operations can proceed while the job waits.
func (e *Executor) handleSubmitError(ctx context.Context, job core.Job, submitErr error) error {
	if family, leased := e.leaseFamily(); leased {
		if err := e.st.ReleaseOpLease(ctx, family, job.WalletBalanceID); err != nil {
			e.log.Error("Lease release failed", "job", job.ID, "err", err)
		}
	}

	etype := core.Classify(submitErr)
	tag := core.Tag(submitErr)
	retry := job.RetryCount + 1

	if !etype.Retryable() || retry > job.MaxRetries {
		e.log.Warn("Job failed terminally", "job", job.ID, "type", etype, "err", submitErr)
		if err := e.st.FailJob(ctx, e.kind, job.ID, tag); err != nil {
			return err
		}
		if e.kind == core.QueueWithdrawal {
			if err := e.st.FailRequest(ctx, job.WithdrawalRequestID); err != nil {
				return err
			}
		}
		metrics.JobTerminal(string(e.kind), string(core.JobFailed))
		return nil
	}

	backoff := core.RetryBackoff(retry)
	e.log.Warn("Job rescheduled", "job", job.ID, "type", etype, "retry", retry, "backoff", backoff)
	return e.st.RescheduleJob(ctx, e.kind, job.ID, tag, retry, time.Now().Add(backoff))
}

// leaseFamily maps the queue kind to the wallet lease it must hold.
// Withdrawals spend from operation wallets and hold no wallet-row lease;
// on EVM the funder advisory lock serializes them.
func (e *Executor) leaseFamily() (core.LeaseFamily, bool) {
	switch e.kind {
	case core.QueueConsolidation:
		return core.LeaseConsolidation, true
	case core.QueueGasTopup:
		return core.LeaseGas, true
	}
	return "", false
}
