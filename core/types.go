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

// Package core holds the domain vocabulary shared by every worker: chain and
// wallet descriptors, queue jobs and their state machines, and the
// integer-string money arithmetic. Nothing here talks to the network or the
// datastore.
package core

import "time"

// Family identifies a chain execution model. Workers parameterize over the
// family, never over a concrete chain.
type Family string

const (
	FamilyTron Family = "tron"
	FamilyEVM  Family = "evm"
)

// Chain is a row of the chains table, immutable during a run.
type Chain struct {
	ID                    int64
	Name                  string
	Family                Family
	RPCURL                string
	ConfirmationThreshold int64
	BlockTimeSeconds      int64
	ChainID               *int64 // numeric EVM chain id, nil for Tron
	IsActive              bool
}

// AssetOnChain is the deployment of a logical asset on one chain.
type AssetOnChain struct {
	ID              int64
	ChainID         int64
	AssetID         int64
	Symbol          string
	ContractAddress string // empty iff native
	Decimals        int
	IsNative        bool
	IsActive        bool
}

// WalletRole classifies operation wallets.
type WalletRole string

const (
	RoleGas      WalletRole = "gas"
	RoleHot      WalletRole = "hot"
	RoleTreasury WalletRole = "treasury"
)

// UserWallet is a user's custodial deposit address. It never funds gas, hot
// or treasury flows.
type UserWallet struct {
	ID              int64
	UID             string
	ChainID         int64
	Address         string
	WalletGroupID   int64
	DerivationIndex uint32
	IsActive        bool
}

// OperationWallet is an internally funded sending address.
type OperationWallet struct {
	ID              int64
	ChainID         int64
	Role            WalletRole
	WalletGroupID   int64
	DerivationIndex uint32
	Address         string
	IsActive        bool
	LastUsedAt      *time.Time
}

// ProcessingStatus is the coarse state on a wallet-balance row. The fine
// grained coordination happens through the three lease families.
type ProcessingStatus string

const (
	StatusIdle                    ProcessingStatus = "idle"
	StatusProcessing              ProcessingStatus = "processing"
	StatusConsolidationProcessing ProcessingStatus = "consolidation_processing"
	StatusGasProcessing           ProcessingStatus = "gas_processing"
)

// LeaseFamily names one of the three independent lease column pairs on a
// wallet-balance row. They exist separately so balance sync, consolidation
// and gas topup never block each other.
type LeaseFamily string

const (
	LeaseGeneral       LeaseFamily = "general"
	LeaseConsolidation LeaseFamily = "consolidation"
	LeaseGas           LeaseFamily = "gas"
)

// Lease is one (locked_by, locked_until) pair.
type Lease struct {
	LockedBy    string
	LockedUntil *time.Time
}

// Held reports whether the lease is currently claimed and unexpired.
func (l Lease) Held(now time.Time) bool {
	return l.LockedUntil != nil && l.LockedUntil.After(now)
}

// WalletBalance is the primary coordination row, one per
// (wallet, asset-on-chain) pair. Balance fields are written only by balance
// sync; needs_* flags only by the planner; each lease family only by its
// owning worker.
type WalletBalance struct {
	ID             int64
	WalletID       int64 // points into either wallet table
	AssetOnChainID int64

	RawBalance   string // integer string, never a float
	HumanBalance string // exact decimal string

	Processing ProcessingStatus

	General       Lease
	Consolidation Lease
	Gas           Lease

	NeedsConsolidation    bool
	ConsolidationPriority string
	NeedsGas              bool
	GasPriority           string

	SyncCount  int64
	ErrorCount int64
	LastError  string

	LastChecked         *time.Time
	LastProcessedAt     *time.Time
	LastConsolidationAt *time.Time
}

// DepositStatus is the deposit lifecycle.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
	DepositFailed    DepositStatus = "failed"
)

// Deposit is an observed inbound transfer, unique on (tx_hash, log_index).
// The table is a public audit surface; rows are never deleted.
type Deposit struct {
	ID             int64
	ChainID        int64
	AssetOnChainID int64
	UID            string
	FromAddress    string
	ToAddress      string
	AmountRaw      string
	AmountHuman    string
	TxHash         string
	LogIndex       uint
	BlockNumber    int64
	FirstSeenBlock int64
	Status         DepositStatus
	Confirmations  int64
	ConfirmedAt    *time.Time
	CreditedAt     *time.Time
}

// QueueKind selects one of the three execution queues. The queues share one
// job state machine; only their active-uniqueness key differs.
type QueueKind string

const (
	QueueConsolidation QueueKind = "consolidation"
	QueueGasTopup      QueueKind = "gas_topup"
	QueueWithdrawal    QueueKind = "withdrawal"
)

// JobStatus is the shared execution-queue state machine:
// pending -> processing -> confirming -> confirmed | failed.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobConfirming JobStatus = "confirming"
	JobConfirmed  JobStatus = "confirmed"
	JobFailed     JobStatus = "failed"
)

// ActiveJobStatuses are the statuses that count against per-key uniqueness.
var ActiveJobStatuses = []JobStatus{JobPending, JobProcessing, JobConfirming}

// Job is a row of one of the execution queues.
//
// For consolidation: WalletID is the source user wallet, DestinationID the
// pinned hot wallet, WalletBalanceID the leased row. For gas topup:
// WalletID is the receiving user wallet, DestinationID the funding gas
// wallet. For withdrawal: WithdrawalRequestID links the intent layer and
// DestinationID is the pinned sending hot wallet.
type Job struct {
	ID                  int64
	Kind                QueueKind
	ChainID             int64
	AssetOnChainID      int64
	WalletID            int64
	WalletBalanceID     int64
	DestinationID       int64
	WithdrawalRequestID int64
	ToAddress           string // external payout address, withdrawals only

	AmountRaw   string
	AmountHuman string

	Status       JobStatus
	Priority     string
	TxHash       string
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	ScheduledAt  time.Time
	ProcessedAt  *time.Time
	GasUsed      string
	GasPrice     string
}

// WithdrawalRequestStatus is the intent-layer lifecycle.
type WithdrawalRequestStatus string

const (
	WithdrawalPending   WithdrawalRequestStatus = "pending"
	WithdrawalApproved  WithdrawalRequestStatus = "approved"
	WithdrawalQueued    WithdrawalRequestStatus = "queued"
	WithdrawalCompleted WithdrawalRequestStatus = "completed"
	WithdrawalFailed    WithdrawalRequestStatus = "failed"
)

// WithdrawalRequest is the user-facing intent; the queue row executes it.
type WithdrawalRequest struct {
	ID             int64
	UID            string
	ChainID        int64
	AssetOnChainID int64
	ToAddress      string
	AmountRaw      string
	AmountHuman    string
	Status         WithdrawalRequestStatus
	FinalTxHash    string
}

// Rule is one planner rule, either consolidation or gas topup. For gas
// rules AssetOnChainID is the gas (native) asset and TopupAmountHuman the
// amount to send on match. Metadata may carry a preferred operation wallet
// id under "preferred_wallet_id".
type Rule struct {
	ID               int64
	ChainID          int64
	AssetOnChainID   int64
	Operator         string // one of > >= < <= == !=
	Threshold        string // human decimal string
	Priority         string
	TopupAmountHuman string
	IsActive         bool
	Metadata         map[string]any
}

// RuleLog is one append-only rule evaluation record.
type RuleLog struct {
	RuleID          int64
	WalletBalanceID int64
	Balance         string
	Operator        string
	Threshold       string
	Matched         bool
	Detail          string
	At              time.Time
}

// IncidentMode is the process-wide control switch consulted before every
// mutating cycle.
type IncidentMode struct {
	Mode              string // normal | degraded | emergency
	DegradedGasAllowed bool
}

const (
	IncidentNormal    = "normal"
	IncidentDegraded  = "degraded"
	IncidentEmergency = "emergency"
)

// ExecutionRecord is one row of the worker execution log.
type ExecutionRecord struct {
	ID         string
	WorkerID   string
	Type       string
	Status     string // success | fail | skip
	DurationMS int64
	Error      string
	Metadata   map[string]any
	At         time.Time
}

// PriorityRank orders job priorities for picking; unknown strings sort last.
func PriorityRank(p string) int {
	switch p {
	case "high":
		return 0
	case "normal":
		return 1
	case "low":
		return 2
	default:
		return 3
	}
}
