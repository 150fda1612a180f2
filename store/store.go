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

// Package store is the datastore boundary. The relational store owns all
// long-lived state; workers own nothing but time-bounded leases identified
// by their worker id. Every transition that implies an external side effect
// (broadcast, credit) is gated by a compare-and-set whose affected-row
// count tells the caller whether it won.
package store

import (
	"context"
	"time"

	"github.com/opencustody/chainops/core"
)

// ChainReader serves the boot-time and per-cycle chain configuration.
type ChainReader interface {
	// ActiveChains lists chains with is_active, reloaded at boot.
	ActiveChains(ctx context.Context) ([]core.Chain, error)
	// ActiveAssets lists active asset deployments on one chain.
	ActiveAssets(ctx context.Context, chainID int64) ([]core.AssetOnChain, error)
	// AssetByID resolves one asset-on-chain row; absence is not an error.
	AssetByID(ctx context.Context, id int64) (*core.AssetOnChain, error)
	// NativeAsset returns the single native asset row of a chain.
	NativeAsset(ctx context.Context, chainID int64) (*core.AssetOnChain, error)
}

// WalletReader resolves wallets from both tables. wallet_id columns may
// point into either table, so lookups probe both.
type WalletReader interface {
	// ActiveUserAddresses lists active user deposit addresses on a chain,
	// for the detector's monitored set.
	ActiveUserAddresses(ctx context.Context, chainID int64) ([]core.UserWallet, error)
	// UserWalletByID resolves a user wallet; nil if absent.
	UserWalletByID(ctx context.Context, id int64) (*core.UserWallet, error)
	// OperationWalletByID resolves an operation wallet; nil if absent.
	OperationWalletByID(ctx context.Context, id int64) (*core.OperationWallet, error)
	// WalletAddress probes both tables for the address and chain of a
	// wallet id. ok is false when neither table has the id.
	WalletAddress(ctx context.Context, walletID int64) (addr string, chainID int64, isUser bool, ok bool, err error)
	// PickOperationWallet selects the least recently used active operation
	// wallet of the given role on a chain (last_used_at ASC NULLS FIRST).
	// nil when none exists.
	PickOperationWallet(ctx context.Context, chainID int64, role core.WalletRole) (*core.OperationWallet, error)
	// TouchOperationWallet bumps last_used_at, best effort.
	TouchOperationWallet(ctx context.Context, id int64) error
}

// CursorStore tracks the detector's per-chain scan position.
// last_processed_block is monotonically non-decreasing.
type CursorStore interface {
	LastProcessedBlock(ctx context.Context, chainID int64) (block int64, ok bool, err error)
	SetLastProcessedBlock(ctx context.Context, chainID, block int64) error
}

// DepositStore owns the deposit pipeline rows.
type DepositStore interface {
	// DepositExists checks the (tx_hash, log_index) uniqueness key.
	DepositExists(ctx context.Context, txHash string, logIndex uint) (bool, error)
	// InsertDeposit inserts a pending deposit. A unique violation on
	// (tx_hash, log_index) is absorbed and reported as inserted=false.
	InsertDeposit(ctx context.Context, d *core.Deposit) (inserted bool, err error)
	// DueDeposits returns deposits that still need confirmation work on a
	// chain: status pending, plus confirmed rows whose credited_at is null
	// (crash recovery), oldest first.
	DueDeposits(ctx context.Context, chainID int64, limit int) ([]core.Deposit, error)
	// DepositByID re-reads one row; nil if absent.
	DepositByID(ctx context.Context, id int64) (*core.Deposit, error)
	// UpdateDepositConfirmations records progress below the threshold.
	UpdateDepositConfirmations(ctx context.Context, id, confirmations int64) error
	// MarkDepositConfirmed flips pending -> confirmed. won=false means
	// another worker already did.
	MarkDepositConfirmed(ctx context.Context, id, confirmations int64) (won bool, err error)
	// MarkDepositCredited sets credited_at once the ledger call returned.
	MarkDepositCredited(ctx context.Context, id int64) error
}

// LedgerStore is the caller side of the server-side credit procedure. The
// procedure performs upsert+add atomically in fixed point; exactly-once is
// the caller's job via credited_at.
type LedgerStore interface {
	Credit(ctx context.Context, uid string, assetID int64, amountHuman string) error
}

// BalanceStore owns wallet-balance rows and the three lease families.
type BalanceStore interface {
	// SyncCandidates lists idle rows with a free general lease, oldest
	// last_checked first, both wallet kinds.
	SyncCandidates(ctx context.Context, limit int) ([]core.WalletBalance, error)
	// PlanningCandidates lists idle rows with a free general lease whose
	// wallet is an active user wallet and raw balance is nonzero.
	PlanningCandidates(ctx context.Context, limit int) ([]core.WalletBalance, error)
	// AcquireGeneralLease compare-and-sets the general lease on ids,
	// returning those actually won. Also moves processing_status to the
	// given value.
	AcquireGeneralLease(ctx context.Context, ids []int64, workerID string, ttl time.Duration, status core.ProcessingStatus) ([]int64, error)
	// ReleaseGeneralLease nulls the general lease and returns the row to
	// idle, only if workerID still holds it.
	ReleaseGeneralLease(ctx context.Context, id int64, workerID string) error
	// AcquireOpLease compare-and-sets one operation lease (consolidation or
	// gas family) on a single row.
	AcquireOpLease(ctx context.Context, family core.LeaseFamily, id int64, workerID string, ttl time.Duration) (bool, error)
	// ReleaseOpLease nulls one operation lease regardless of holder; used
	// by confirmation workers finishing another worker's job.
	ReleaseOpLease(ctx context.Context, family core.LeaseFamily, id int64) error
	// ReleaseLeasesBy nulls every lease held by workerID, on shutdown.
	ReleaseLeasesBy(ctx context.Context, workerID string) error

	// WalletBalanceByID re-reads one row; nil if absent.
	WalletBalanceByID(ctx context.Context, id int64) (*core.WalletBalance, error)
	// NativeBalanceRow finds the wallet's balance row for its chain's
	// native asset; nil if absent.
	NativeBalanceRow(ctx context.Context, walletID int64) (*core.WalletBalance, error)

	// WriteSyncedBalance writes the on-chain balance back (balance sync
	// only), bumping sync_count, setting last_checked, clearing errors.
	WriteSyncedBalance(ctx context.Context, id int64, raw, human string) error
	// RecordRowError notes a row-scoped failure and bumps error_count.
	RecordRowError(ctx context.Context, id int64, msg string) error

	// SetPlannerFlags finalizes a planner evaluation (planner only).
	SetPlannerFlags(ctx context.Context, id int64, needsConsolidation bool, consolidationPriority string, needsGas bool, gasPriority string) error
	// SetNeedsGas flips needs_gas on a row (the native row; planner only).
	SetNeedsGas(ctx context.Context, id int64, needsGas bool) error
	// SetConsolidationDone clears needs_consolidation and stamps
	// last_consolidation_at after a confirmed consolidation.
	SetConsolidationDone(ctx context.Context, id int64) error
}

// RuleReader serves planner rules and their audit logs.
type RuleReader interface {
	// ConsolidationRules lists active rules for (chain, asset), priority
	// descending.
	ConsolidationRules(ctx context.Context, chainID, assetOnChainID int64) ([]core.Rule, error)
	// GasTopupRules lists active rules for (chain, gas asset).
	GasTopupRules(ctx context.Context, chainID, gasAssetID int64) ([]core.Rule, error)
	// AppendRuleLog appends one evaluation record to the kind's log table.
	AppendRuleLog(ctx context.Context, kind core.QueueKind, l core.RuleLog) error
}

// JobStore owns the three execution queues. The queues share one state
// machine; kind selects the table and the active-uniqueness key.
type JobStore interface {
	// EnqueueJob inserts a pending job unless an active one exists for the
	// kind's uniqueness key; races resolve through the partial unique
	// index, absorbed as inserted=false.
	EnqueueJob(ctx context.Context, j *core.Job) (inserted bool, err error)
	// ActiveJobExists pre-checks the kind's uniqueness key.
	ActiveJobExists(ctx context.Context, kind core.QueueKind, key int64) (bool, error)
	// DueJobs lists jobs on a chain in pending or confirming with
	// scheduled_at due, for the executor pick. Sorting by priority happens
	// in the worker.
	DueJobs(ctx context.Context, kind core.QueueKind, chainID int64, limit int) ([]core.Job, error)
	// ConfirmingJobs lists confirming jobs with a tx hash, for the
	// confirmation workers.
	ConfirmingJobs(ctx context.Context, kind core.QueueKind, chainID int64, limit int) ([]core.Job, error)
	// JobByID re-reads one job; nil if absent.
	JobByID(ctx context.Context, kind core.QueueKind, id int64) (*core.Job, error)
	// MarkJobProcessing flips pending -> processing; won=false means
	// another worker picked it first.
	MarkJobProcessing(ctx context.Context, kind core.QueueKind, id int64) (bool, error)
	// MarkJobBroadcast persists the tx hash and flips to confirming in one
	// statement, only if no hash is set yet (P2).
	MarkJobBroadcast(ctx context.Context, kind core.QueueKind, id int64, txHash string) (bool, error)
	// MarkJobConfirming flips a job that already carries its hash.
	MarkJobConfirming(ctx context.Context, kind core.QueueKind, id int64) error
	// RescheduleJob returns a job to pending with backoff bookkeeping.
	RescheduleJob(ctx context.Context, kind core.QueueKind, id int64, errMsg string, retryCount int, at time.Time) error
	// FailJob terminally fails a job.
	FailJob(ctx context.Context, kind core.QueueKind, id int64, errMsg string) error
	// ConfirmJob finalizes a job with its execution cost in one statement.
	ConfirmJob(ctx context.Context, kind core.QueueKind, id int64, gasUsed, gasPrice string) error
	// SetJobScheduledAt defers the next confirmation look.
	SetJobScheduledAt(ctx context.Context, kind core.QueueKind, id int64, at time.Time) error
}

// WithdrawalStore bridges the intent layer and the execution queue.
type WithdrawalStore interface {
	// ApprovedRequests lists approved intents on a chain awaiting intake.
	ApprovedRequests(ctx context.Context, chainID int64, limit int) ([]core.WithdrawalRequest, error)
	// MarkRequestQueued flips approved -> queued; won gates job creation.
	MarkRequestQueued(ctx context.Context, id int64) (bool, error)
	// CompleteRequest propagates a confirmed payout into the intent layer.
	CompleteRequest(ctx context.Context, id int64, finalTxHash string) error
	// FailRequest propagates a terminal failure.
	FailRequest(ctx context.Context, id int64) error
}

// FunderLocker serializes EVM build-sign-broadcast per funding address via
// a session-scoped datastore advisory lock on the lowercased address.
type FunderLocker interface {
	// LockFunder blocks until the lock on key is held, returning the
	// unlock. The unlock must run in the caller's cleanup path.
	LockFunder(ctx context.Context, key string) (unlock func(), err error)
}

// ControlStore is the worker control plane.
type ControlStore interface {
	// Heartbeat upserts worker_status.
	Heartbeat(ctx context.Context, workerID, role string, chainID *int64, state string) error
	// IncidentMode reads the incident_mode config key; missing means normal.
	IncidentMode(ctx context.Context) (core.IncidentMode, error)
	// MaintenanceMode reads the maintenance flag.
	MaintenanceMode(ctx context.Context) (bool, error)
	// RecordExecution appends one execution-log row.
	RecordExecution(ctx context.Context, rec core.ExecutionRecord) error
}

// Store is the full datastore surface. Workers should accept the narrow
// interfaces above; Store exists for wiring and for the in-memory test
// double.
type Store interface {
	ChainReader
	WalletReader
	CursorStore
	DepositStore
	LedgerStore
	BalanceStore
	RuleReader
	JobStore
	WithdrawalStore
	FunderLocker
	ControlStore
}
