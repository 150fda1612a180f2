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

// Package memdb is an in-memory store.Store used by worker tests. It
// mirrors the Postgres implementation's compare-and-set and uniqueness
// semantics so the workers' coordination logic can be exercised without a
// database.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/store"
)

// CreditCall records one invocation of the credit procedure.
type CreditCall struct {
	UID         string
	AssetID     int64
	AmountHuman string
}

// DB is the in-memory store. The zero value is not usable; call New.
type DB struct {
	mu sync.Mutex

	Chains  []core.Chain
	Assets  []core.AssetOnChain
	Users   []core.UserWallet
	Ops     []core.OperationWallet
	Rules   map[core.QueueKind][]core.Rule
	RuleLog map[core.QueueKind][]core.RuleLog

	balances map[int64]*core.WalletBalance
	deposits map[int64]*core.Deposit
	jobs     map[core.QueueKind]map[int64]*core.Job
	requests map[int64]*core.WithdrawalRequest
	cursors  map[int64]int64

	credits   []CreditCall
	CreditErr error // injectable ledger failure

	incident    core.IncidentMode
	maintenance bool
	executions  []core.ExecutionRecord
	heartbeats  map[string]string // worker_id -> state

	funderLocks map[string]*sync.Mutex

	nextID int64
}

var _ store.Store = (*DB)(nil)

// New creates an empty in-memory store.
func New() *DB {
	return &DB{
		Rules:       map[core.QueueKind][]core.Rule{},
		RuleLog:     map[core.QueueKind][]core.RuleLog{},
		balances:    map[int64]*core.WalletBalance{},
		deposits:    map[int64]*core.Deposit{},
		jobs:        map[core.QueueKind]map[int64]*core.Job{},
		requests:    map[int64]*core.WithdrawalRequest{},
		cursors:     map[int64]int64{},
		heartbeats:  map[string]string{},
		funderLocks: map[string]*sync.Mutex{},
		incident:    core.IncidentMode{Mode: core.IncidentNormal},
		nextID:      1,
	}
}

func (d *DB) id() int64 {
	id := d.nextID
	d.nextID++
	return id
}

// ---- seeding helpers ----

// AddBalance seeds a wallet-balance row and returns it.
func (d *DB) AddBalance(b core.WalletBalance) *core.WalletBalance {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.ID == 0 {
		b.ID = d.id()
	}
	if b.Processing == "" {
		b.Processing = core.StatusIdle
	}
	cp := b
	d.balances[cp.ID] = &cp
	return &cp
}

// AddDeposit seeds a deposit row.
func (d *DB) AddDeposit(dep core.Deposit) *core.Deposit {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dep.ID == 0 {
		dep.ID = d.id()
	}
	cp := dep
	d.deposits[cp.ID] = &cp
	return &cp
}

// AddJob seeds a queue job.
func (d *DB) AddJob(j core.Job) *core.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j.ID == 0 {
		j.ID = d.id()
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = core.MaxJobRetries
	}
	if d.jobs[j.Kind] == nil {
		d.jobs[j.Kind] = map[int64]*core.Job{}
	}
	cp := j
	d.jobs[j.Kind][cp.ID] = &cp
	return &cp
}

// AddRequest seeds a withdrawal request.
func (d *DB) AddRequest(r core.WithdrawalRequest) *core.WithdrawalRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.ID == 0 {
		r.ID = d.id()
	}
	cp := r
	d.requests[cp.ID] = &cp
	return &cp
}

// SetIncident sets the incident mode consulted by worker gating.
func (d *DB) SetIncident(m core.IncidentMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.incident = m
}

// SetMaintenance sets the maintenance flag.
func (d *DB) SetMaintenance(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maintenance = on
}

// Credits returns the recorded credit calls.
func (d *DB) Credits() []CreditCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CreditCall(nil), d.credits...)
}

// Executions returns the recorded execution-log rows.
func (d *DB) Executions() []core.ExecutionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.ExecutionRecord(nil), d.executions...)
}

// Deposit returns a copy of a deposit row.
func (d *DB) Deposit(id int64) core.Deposit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.deposits[id]
}

// Balance returns a copy of a wallet-balance row.
func (d *DB) Balance(id int64) core.WalletBalance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.balances[id]
}

// Job returns a copy of a queue job.
func (d *DB) Job(kind core.QueueKind, id int64) core.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.jobs[kind][id]
}

// Jobs returns copies of all jobs of one kind.
func (d *DB) Jobs(kind core.QueueKind) []core.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.Job
	for _, j := range d.jobs[kind] {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Request returns a copy of a withdrawal request.
func (d *DB) Request(id int64) core.WithdrawalRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.requests[id]
}

// ---- ChainReader ----

func (d *DB) ActiveChains(ctx context.Context) ([]core.Chain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.Chain
	for _, c := range d.Chains {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *DB) ActiveAssets(ctx context.Context, chainID int64) ([]core.AssetOnChain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.AssetOnChain
	for _, a := range d.Assets {
		if a.ChainID == chainID && a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *DB) AssetByID(ctx context.Context, id int64) (*core.AssetOnChain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.Assets {
		if a.ID == id {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *DB) NativeAsset(ctx context.Context, chainID int64) (*core.AssetOnChain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.Assets {
		if a.ChainID == chainID && a.IsNative && a.IsActive {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

// ---- WalletReader ----

func (d *DB) ActiveUserAddresses(ctx context.Context, chainID int64) ([]core.UserWallet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.UserWallet
	for _, w := range d.Users {
		if w.ChainID == chainID && w.IsActive {
			out = append(out, w)
		}
	}
	return out, nil
}

func (d *DB) UserWalletByID(ctx context.Context, id int64) (*core.UserWallet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.Users {
		if w.ID == id {
			cp := w
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *DB) OperationWalletByID(ctx context.Context, id int64) (*core.OperationWallet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.Ops {
		if d.Ops[i].ID == id {
			cp := d.Ops[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *DB) WalletAddress(ctx context.Context, walletID int64) (string, int64, bool, bool, error) {
	if w, _ := d.UserWalletByID(ctx, walletID); w != nil {
		return w.Address, w.ChainID, true, true, nil
	}
	if w, _ := d.OperationWalletByID(ctx, walletID); w != nil {
		return w.Address, w.ChainID, false, true, nil
	}
	return "", 0, false, false, nil
}

func (d *DB) PickOperationWallet(ctx context.Context, chainID int64, role core.WalletRole) (*core.OperationWallet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best *core.OperationWallet
	for i := range d.Ops {
		w := &d.Ops[i]
		if w.ChainID != chainID || w.Role != role || !w.IsActive {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		// last_used_at ASC NULLS FIRST, id ASC
		switch {
		case w.LastUsedAt == nil && best.LastUsedAt != nil:
			best = w
		case w.LastUsedAt != nil && best.LastUsedAt == nil:
		case w.LastUsedAt == nil && best.LastUsedAt == nil:
			if w.ID < best.ID {
				best = w
			}
		case w.LastUsedAt.Before(*best.LastUsedAt):
			best = w
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (d *DB) TouchOperationWallet(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for i := range d.Ops {
		if d.Ops[i].ID == id {
			d.Ops[i].LastUsedAt = &now
		}
	}
	return nil
}

// ---- CursorStore ----

func (d *DB) LastProcessedBlock(ctx context.Context, chainID int64) (int64, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.cursors[chainID]
	return b, ok, nil
}

func (d *DB) SetLastProcessedBlock(ctx context.Context, chainID, block int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[chainID]; !ok || block > cur {
		d.cursors[chainID] = block
	}
	return nil
}

// ---- DepositStore ----

func (d *DB) DepositExists(ctx context.Context, txHash string, logIndex uint) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findDeposit(txHash, logIndex) != nil, nil
}

func (d *DB) findDeposit(txHash string, logIndex uint) *core.Deposit {
	for _, dep := range d.deposits {
		if dep.TxHash == txHash && dep.LogIndex == logIndex {
			return dep
		}
	}
	return nil
}

func (d *DB) InsertDeposit(ctx context.Context, dep *core.Deposit) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.findDeposit(dep.TxHash, dep.LogIndex) != nil {
		return false, nil
	}
	dep.ID = d.id()
	cp := *dep
	d.deposits[cp.ID] = &cp
	return true, nil
}

func (d *DB) DueDeposits(ctx context.Context, chainID int64, limit int) ([]core.Deposit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.Deposit
	for _, dep := range d.deposits {
		if dep.ChainID != chainID {
			continue
		}
		if dep.Status == core.DepositPending ||
			(dep.Status == core.DepositConfirmed && dep.CreditedAt == nil) {
			out = append(out, *dep)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].BlockNumber != out[k].BlockNumber {
			return out[i].BlockNumber < out[k].BlockNumber
		}
		return out[i].ID < out[k].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *DB) DepositByID(ctx context.Context, id int64) (*core.Deposit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dep, ok := d.deposits[id]
	if !ok {
		return nil, nil
	}
	cp := *dep
	return &cp, nil
}

func (d *DB) UpdateDepositConfirmations(ctx context.Context, id, confirmations int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dep, ok := d.deposits[id]; ok && dep.Status == core.DepositPending {
		dep.Confirmations = confirmations
	}
	return nil
}

func (d *DB) MarkDepositConfirmed(ctx context.Context, id, confirmations int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dep, ok := d.deposits[id]
	if !ok || dep.Status != core.DepositPending {
		return false, nil
	}
	now := time.Now()
	dep.Status = core.DepositConfirmed
	dep.Confirmations = confirmations
	dep.ConfirmedAt = &now
	return true, nil
}

func (d *DB) MarkDepositCredited(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dep, ok := d.deposits[id]; ok && dep.CreditedAt == nil {
		now := time.Now()
		dep.CreditedAt = &now
	}
	return nil
}

// ---- LedgerStore ----

func (d *DB) Credit(ctx context.Context, uid string, assetID int64, amountHuman string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreditErr != nil {
		return d.CreditErr
	}
	d.credits = append(d.credits, CreditCall{UID: uid, AssetID: assetID, AmountHuman: amountHuman})
	return nil
}

// ---- BalanceStore ----

func (d *DB) SyncCandidates(ctx context.Context, limit int) ([]core.WalletBalance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	var out []core.WalletBalance
	for _, b := range d.balances {
		if b.Processing == core.StatusIdle && !b.General.Held(now) {
			out = append(out, *b)
		}
	}
	sortByLastChecked(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByLastChecked(rows []core.WalletBalance) {
	sort.Slice(rows, func(i, k int) bool {
		a, b := rows[i].LastChecked, rows[k].LastChecked
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a == nil && b == nil:
			return rows[i].ID < rows[k].ID
		}
		return a.Before(*b)
	})
}

func (d *DB) PlanningCandidates(ctx context.Context, limit int) ([]core.WalletBalance, error) {
	d.mu.Lock()
	userIDs := map[int64]bool{}
	for _, u := range d.Users {
		if u.IsActive {
			userIDs[u.ID] = true
		}
	}
	now := time.Now()
	var out []core.WalletBalance
	for _, b := range d.balances {
		if b.Processing == core.StatusIdle && !b.General.Held(now) &&
			b.RawBalance != "0" && b.RawBalance != "" && userIDs[b.WalletID] {
			out = append(out, *b)
		}
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *DB) AcquireGeneralLease(ctx context.Context, ids []int64, workerID string, ttl time.Duration, status core.ProcessingStatus) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	until := now.Add(ttl)
	var won []int64
	for _, id := range ids {
		b, ok := d.balances[id]
		if !ok || b.Processing != core.StatusIdle || b.General.Held(now) {
			continue
		}
		b.General = core.Lease{LockedBy: workerID, LockedUntil: &until}
		b.Processing = status
		won = append(won, id)
	}
	return won, nil
}

func (d *DB) ReleaseGeneralLease(ctx context.Context, id int64, workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.balances[id]; ok && b.General.LockedBy == workerID {
		b.General = core.Lease{}
		b.Processing = core.StatusIdle
	}
	return nil
}

func (d *DB) leaseOf(b *core.WalletBalance, family core.LeaseFamily) (*core.Lease, error) {
	switch family {
	case core.LeaseGeneral:
		return &b.General, nil
	case core.LeaseConsolidation:
		return &b.Consolidation, nil
	case core.LeaseGas:
		return &b.Gas, nil
	}
	return nil, fmt.Errorf("unknown lease family %q", family)
}

func (d *DB) AcquireOpLease(ctx context.Context, family core.LeaseFamily, id int64, workerID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.balances[id]
	if !ok {
		return false, nil
	}
	l, err := d.leaseOf(b, family)
	if err != nil {
		return false, err
	}
	now := time.Now()
	if l.Held(now) {
		return false, nil
	}
	until := now.Add(ttl)
	*l = core.Lease{LockedBy: workerID, LockedUntil: &until}
	return true, nil
}

func (d *DB) ReleaseOpLease(ctx context.Context, family core.LeaseFamily, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.balances[id]
	if !ok {
		return nil
	}
	l, err := d.leaseOf(b, family)
	if err != nil {
		return err
	}
	*l = core.Lease{}
	return nil
}

func (d *DB) ReleaseLeasesBy(ctx context.Context, workerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.balances {
		if b.General.LockedBy == workerID {
			b.General = core.Lease{}
			b.Processing = core.StatusIdle
		}
		if b.Consolidation.LockedBy == workerID {
			b.Consolidation = core.Lease{}
		}
		if b.Gas.LockedBy == workerID {
			b.Gas = core.Lease{}
		}
	}
	return nil
}

func (d *DB) WalletBalanceByID(ctx context.Context, id int64) (*core.WalletBalance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.balances[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (d *DB) NativeBalanceRow(ctx context.Context, walletID int64) (*core.WalletBalance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	native := map[int64]bool{}
	for _, a := range d.Assets {
		if a.IsNative {
			native[a.ID] = true
		}
	}
	for _, b := range d.balances {
		if b.WalletID == walletID && native[b.AssetOnChainID] {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *DB) WriteSyncedBalance(ctx context.Context, id int64, raw, human string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.balances[id]; ok {
		now := time.Now()
		b.RawBalance, b.HumanBalance = raw, human
		b.SyncCount++
		b.LastChecked = &now
		b.LastError = ""
	}
	return nil
}

func (d *DB) RecordRowError(ctx context.Context, id int64, msg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.balances[id]; ok {
		b.LastError = msg
		b.ErrorCount++
	}
	return nil
}

func (d *DB) SetPlannerFlags(ctx context.Context, id int64, needsConsolidation bool, consolidationPriority string, needsGas bool, gasPriority string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.balances[id]; ok {
		now := time.Now()
		b.NeedsConsolidation = needsConsolidation
		b.ConsolidationPriority = consolidationPriority
		b.NeedsGas = needsGas
		b.GasPriority = gasPriority
		b.LastProcessedAt = &now
		b.LastError = ""
	}
	return nil
}

func (d *DB) SetNeedsGas(ctx context.Context, id int64, needsGas bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.balances[id]; ok {
		b.NeedsGas = needsGas
	}
	return nil
}

func (d *DB) SetConsolidationDone(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.balances[id]; ok {
		now := time.Now()
		b.NeedsConsolidation = false
		b.LastConsolidationAt = &now
	}
	return nil
}

// ---- RuleReader ----

func (d *DB) ConsolidationRules(ctx context.Context, chainID, assetOnChainID int64) ([]core.Rule, error) {
	return d.rules(core.QueueConsolidation, chainID, assetOnChainID), nil
}

func (d *DB) GasTopupRules(ctx context.Context, chainID, gasAssetID int64) ([]core.Rule, error) {
	return d.rules(core.QueueGasTopup, chainID, gasAssetID), nil
}

func (d *DB) rules(kind core.QueueKind, chainID, assetID int64) []core.Rule {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.Rule
	for _, r := range d.Rules[kind] {
		if r.ChainID == chainID && r.AssetOnChainID == assetID && r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		return core.PriorityRank(out[i].Priority) < core.PriorityRank(out[k].Priority)
	})
	return out
}

func (d *DB) AppendRuleLog(ctx context.Context, kind core.QueueKind, l core.RuleLog) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.RuleLog[kind] = append(d.RuleLog[kind], l)
	return nil
}

// ---- JobStore ----

func (d *DB) jobKey(j *core.Job) int64 {
	if j.Kind == core.QueueWithdrawal {
		return j.WithdrawalRequestID
	}
	return j.WalletBalanceID
}

func (d *DB) EnqueueJob(ctx context.Context, j *core.Job) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.jobKey(j)
	for _, other := range d.jobs[j.Kind] {
		if d.jobKey(other) != key {
			continue
		}
		switch other.Status {
		case core.JobPending, core.JobProcessing, core.JobConfirming:
			return false, nil
		}
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = core.MaxJobRetries
	}
	j.ID = d.id()
	j.Status = core.JobPending
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	if d.jobs[j.Kind] == nil {
		d.jobs[j.Kind] = map[int64]*core.Job{}
	}
	cp := *j
	d.jobs[j.Kind][cp.ID] = &cp
	return true, nil
}

func (d *DB) ActiveJobExists(ctx context.Context, kind core.QueueKind, key int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, j := range d.jobs[kind] {
		if d.jobKey(j) == key {
			switch j.Status {
			case core.JobPending, core.JobProcessing, core.JobConfirming:
				return true, nil
			}
		}
	}
	return false, nil
}

func (d *DB) DueJobs(ctx context.Context, kind core.QueueKind, chainID int64, limit int) ([]core.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	var out []core.Job
	for _, j := range d.jobs[kind] {
		if j.ChainID == chainID && !j.ScheduledAt.After(now) &&
			(j.Status == core.JobPending || j.Status == core.JobConfirming) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledAt.Before(out[k].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *DB) ConfirmingJobs(ctx context.Context, kind core.QueueKind, chainID int64, limit int) ([]core.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	var out []core.Job
	for _, j := range d.jobs[kind] {
		if j.ChainID == chainID && j.Status == core.JobConfirming && j.TxHash != "" &&
			!j.ScheduledAt.After(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *DB) JobByID(ctx context.Context, kind core.QueueKind, id int64) (*core.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[kind][id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (d *DB) MarkJobProcessing(ctx context.Context, kind core.QueueKind, id int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[kind][id]
	if !ok || j.Status != core.JobPending {
		return false, nil
	}
	j.Status = core.JobProcessing
	return true, nil
}

func (d *DB) MarkJobBroadcast(ctx context.Context, kind core.QueueKind, id int64, txHash string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[kind][id]
	if !ok || j.TxHash != "" || j.Status == core.JobFailed {
		return false, nil
	}
	j.TxHash = txHash
	j.Status = core.JobConfirming
	return true, nil
}

func (d *DB) MarkJobConfirming(ctx context.Context, kind core.QueueKind, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[kind][id]
	if ok && j.TxHash != "" && (j.Status == core.JobPending || j.Status == core.JobProcessing) {
		j.Status = core.JobConfirming
	}
	return nil
}

func (d *DB) RescheduleJob(ctx context.Context, kind core.QueueKind, id int64, errMsg string, retryCount int, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[kind][id]
	if ok && j.Status != core.JobFailed {
		j.Status = core.JobPending
		j.RetryCount = retryCount
		j.ErrorMessage = errMsg
		j.ScheduledAt = at
	}
	return nil
}

func (d *DB) FailJob(ctx context.Context, kind core.QueueKind, id int64, errMsg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[kind][id]; ok {
		now := time.Now()
		j.Status = core.JobFailed
		j.ErrorMessage = errMsg
		j.ProcessedAt = &now
	}
	return nil
}

func (d *DB) ConfirmJob(ctx context.Context, kind core.QueueKind, id int64, gasUsed, gasPrice string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[kind][id]
	if ok && j.Status == core.JobConfirming {
		now := time.Now()
		j.Status = core.JobConfirmed
		j.ProcessedAt = &now
		j.GasUsed = gasUsed
		j.GasPrice = gasPrice
	}
	return nil
}

func (d *DB) SetJobScheduledAt(ctx context.Context, kind core.QueueKind, id int64, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[kind][id]; ok {
		j.ScheduledAt = at
	}
	return nil
}

// ---- WithdrawalStore ----

func (d *DB) ApprovedRequests(ctx context.Context, chainID int64, limit int) ([]core.WithdrawalRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []core.WithdrawalRequest
	for _, r := range d.requests {
		if r.ChainID == chainID && r.Status == core.WithdrawalApproved {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *DB) MarkRequestQueued(ctx context.Context, id int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.requests[id]
	if !ok || r.Status != core.WithdrawalApproved {
		return false, nil
	}
	r.Status = core.WithdrawalQueued
	return true, nil
}

func (d *DB) CompleteRequest(ctx context.Context, id int64, finalTxHash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.requests[id]; ok {
		r.Status = core.WithdrawalCompleted
		r.FinalTxHash = finalTxHash
	}
	return nil
}

func (d *DB) FailRequest(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.requests[id]; ok {
		r.Status = core.WithdrawalFailed
	}
	return nil
}

// ---- FunderLocker ----

func (d *DB) LockFunder(ctx context.Context, key string) (func(), error) {
	d.mu.Lock()
	l, ok := d.funderLocks[key]
	if !ok {
		l = &sync.Mutex{}
		d.funderLocks[key] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock, nil
}

// ---- ControlStore ----

func (d *DB) Heartbeat(ctx context.Context, workerID, role string, chainID *int64, state string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeats[workerID] = state
	return nil
}

// WorkerState returns the last heartbeat state of a worker.
func (d *DB) WorkerState(workerID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heartbeats[workerID]
}

func (d *DB) IncidentMode(ctx context.Context) (core.IncidentMode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.incident, nil
}

func (d *DB) MaintenanceMode(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maintenance, nil
}

func (d *DB) RecordExecution(ctx context.Context, rec core.ExecutionRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executions = append(d.executions, rec)
	return nil
}
