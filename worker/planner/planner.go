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

// Package planner evaluates consolidation and gas-topup rules against
// synced balances and turns matches into queue jobs. Gas blocks
// consolidation: a wallet that needs gas gets its topup enqueued first, and
// consolidation waits for a later cycle.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/store"
	"github.com/opencustody/chainops/worker"
)

const (
	// DefaultBatch is how many rows one planner cycle leases.
	DefaultBatch = 50
	// DefaultLeaseTTL bounds a crashed planner's hold on a row.
	DefaultLeaseTTL = 2 * time.Minute
)

// Store is the datastore surface the planner needs.
type Store interface {
	store.ChainReader
	store.WalletReader
	store.BalanceStore
	store.RuleReader
	store.JobStore
}

// Planner evaluates rules for leased user-wallet balance rows.
type Planner struct {
	st       Store
	workerID string
	batch    int
	ttl      time.Duration
	log      log.Logger
}

// New creates a planner. workerID scopes its leases.
func New(st Store, workerID string, batch int, ttl time.Duration) *Planner {
	if batch <= 0 {
		batch = DefaultBatch
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Planner{st: st, workerID: workerID, batch: batch, ttl: ttl, log: log.New("worker", workerID)}
}

// Cycle runs one planning pass.
func (p *Planner) Cycle(ctx context.Context) (worker.Result, error) {
	candidates, err := p.st.PlanningCandidates(ctx, p.batch)
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
	won, err := p.st.AcquireGeneralLease(ctx, ids, p.workerID, p.ttl, core.StatusProcessing)
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

	planned, failed := 0, 0
	for _, row := range candidates {
		if !wonSet[row.ID] {
			continue
		}
		if err := p.planRow(ctx, row); err != nil {
			failed++
			p.log.Warn("Planning failed", "row", row.ID, "err", err)
			if rerr := p.st.RecordRowError(ctx, row.ID, core.Tag(err)); rerr != nil {
				p.log.Error("Row error write failed", "row", row.ID, "err", rerr)
			}
		} else {
			planned++
		}
		if rerr := p.st.ReleaseGeneralLease(ctx, row.ID, p.workerID); rerr != nil {
			p.log.Error("Lease release failed", "row", row.ID, "err", rerr)
		}
	}
	return worker.Result{Metadata: map[string]any{
		"leased": len(won), "planned": planned, "failed": failed,
	}}, nil
}

// planRow runs the mandated evaluation order for one leased row.
func (p *Planner) planRow(ctx context.Context, row core.WalletBalance) error {
	// Ops wallets must never be planned, even if a row slips into the
	// candidate query.
	user, err := p.st.UserWalletByID(ctx, row.WalletID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsActive {
		return core.Errorf(core.ErrInvalidData, "wallet %d is not an active user wallet", row.WalletID)
	}

	asset, err := p.st.AssetByID(ctx, row.AssetOnChainID)
	if err != nil {
		return err
	}
	if asset == nil {
		return core.Errorf(core.ErrInvalidData, "asset %d not found", row.AssetOnChainID)
	}

	nativeRow, nativeAsset, err := p.nativeOf(ctx, row, asset)
	if err != nil {
		return err
	}

	gasRule, err := p.matchGas(ctx, nativeRow, nativeAsset)
	if err != nil {
		return err
	}

	if gasRule != nil {
		return p.planWithGas(ctx, row, asset, nativeRow, nativeAsset, gasRule, user)
	}
	return p.planWithoutGas(ctx, row, asset, nativeRow, user)
}

// nativeOf locates the wallet's native balance row. A token row without a
// native sibling is planned as if gas never matches.
func (p *Planner) nativeOf(ctx context.Context, row core.WalletBalance, asset *core.AssetOnChain) (*core.WalletBalance, *core.AssetOnChain, error) {
	nativeAsset, err := p.st.NativeAsset(ctx, asset.ChainID)
	if err != nil {
		return nil, nil, err
	}
	if nativeAsset == nil {
		return nil, nil, core.Errorf(core.ErrInvalidData, "chain %d has no native asset", asset.ChainID)
	}
	if asset.IsNative {
		cp := row
		return &cp, nativeAsset, nil
	}
	nativeRow, err := p.st.NativeBalanceRow(ctx, row.WalletID)
	if err != nil {
		return nil, nil, err
	}
	return nativeRow, nativeAsset, nil
}

// matchGas evaluates gas rules against the native row's balance, logging
// every evaluation, and returns the first match in priority order.
func (p *Planner) matchGas(ctx context.Context, nativeRow *core.WalletBalance, nativeAsset *core.AssetOnChain) (*core.Rule, error) {
	if nativeRow == nil {
		return nil, nil
	}
	rules, err := p.st.GasTopupRules(ctx, nativeAsset.ChainID, nativeAsset.ID)
	if err != nil {
		return nil, err
	}
	return p.firstMatch(ctx, core.QueueGasTopup, rules, nativeRow.ID, nativeRow.HumanBalance)
}

// matchConsolidation evaluates consolidation rules against the row itself.
func (p *Planner) matchConsolidation(ctx context.Context, row core.WalletBalance, asset *core.AssetOnChain) (*core.Rule, error) {
	rules, err := p.st.ConsolidationRules(ctx, asset.ChainID, asset.ID)
	if err != nil {
		return nil, err
	}
	return p.firstMatch(ctx, core.QueueConsolidation, rules, row.ID, row.HumanBalance)
}

// firstMatch logs every rule evaluation and returns the first match.
func (p *Planner) firstMatch(ctx context.Context, kind core.QueueKind, rules []core.Rule, rowID int64, balance string) (*core.Rule, error) {
	var matched *core.Rule
	for i := range rules {
		r := rules[i]
		ok, detail := Evaluate(balance, r.Operator, r.Threshold)
		if err := p.st.AppendRuleLog(ctx, kind, core.RuleLog{
			RuleID:          r.ID,
			WalletBalanceID: rowID,
			Balance:         balance,
			Operator:        r.Operator,
			Threshold:       r.Threshold,
			Matched:         ok,
			Detail:          detail,
			At:              time.Now(),
		}); err != nil {
			return nil, err
		}
		if ok && matched == nil {
			matched = &r
		}
	}
	return matched, nil
}

// planWithGas handles a gas-rule match: persist flags everywhere, enqueue
// the topup, and hold consolidation back.
func (p *Planner) planWithGas(ctx context.Context, row core.WalletBalance, asset *core.AssetOnChain,
	nativeRow *core.WalletBalance, nativeAsset *core.AssetOnChain, gasRule *core.Rule, user *core.UserWallet) error {

	consRule, err := p.matchConsolidation(ctx, row, asset)
	if err != nil {
		return err
	}

	if nativeRow.ID != row.ID {
		if err := p.st.SetNeedsGas(ctx, nativeRow.ID, true); err != nil {
			return err
		}
	}
	needsCons := consRule != nil
	consPriority := ""
	if needsCons {
		consPriority = consRule.Priority
	}
	if err := p.st.SetPlannerFlags(ctx, row.ID, needsCons, consPriority, true, gasRule.Priority); err != nil {
		return err
	}

	return p.enqueueGas(ctx, nativeRow, nativeAsset, gasRule, user)
}

// planWithoutGas clears the gas flag and plans consolidation.
func (p *Planner) planWithoutGas(ctx context.Context, row core.WalletBalance, asset *core.AssetOnChain,
	nativeRow *core.WalletBalance, user *core.UserWallet) error {

	if nativeRow != nil {
		if err := p.st.SetNeedsGas(ctx, nativeRow.ID, false); err != nil {
			return err
		}
	}

	consRule, err := p.matchConsolidation(ctx, row, asset)
	if err != nil {
		return err
	}
	if consRule == nil {
		return p.st.SetPlannerFlags(ctx, row.ID, false, "", false, "")
	}

	// Another planner may have flagged gas between our evaluation and the
	// enqueue; a topup in flight must block consolidation.
	fresh, err := p.st.WalletBalanceByID(ctx, row.ID)
	if err != nil {
		return err
	}
	if fresh != nil && fresh.NeedsGas {
		p.log.Debug("Consolidation aborted, gas flagged concurrently", "row", row.ID)
		return p.st.SetPlannerFlags(ctx, row.ID, true, consRule.Priority, true, fresh.GasPriority)
	}

	if err := p.enqueueConsolidation(ctx, row, asset, consRule, user); err != nil {
		return err
	}
	return p.st.SetPlannerFlags(ctx, row.ID, true, consRule.Priority, false, "")
}

func (p *Planner) enqueueConsolidation(ctx context.Context, row core.WalletBalance, asset *core.AssetOnChain, rule *core.Rule, user *core.UserWallet) error {
	dest, err := p.pickDestination(ctx, asset.ChainID, core.RoleHot, rule)
	if err != nil {
		return err
	}
	job := &core.Job{
		Kind:            core.QueueConsolidation,
		ChainID:         asset.ChainID,
		AssetOnChainID:  asset.ID,
		WalletID:        user.ID,
		WalletBalanceID: row.ID,
		DestinationID:   dest.ID,
		AmountRaw:       row.RawBalance,
		AmountHuman:     row.HumanBalance,
		Priority:        rule.Priority,
	}
	inserted, err := p.st.EnqueueJob(ctx, job)
	if err != nil {
		return err
	}
	if inserted {
		p.log.Info("Consolidation enqueued", "row", row.ID, "wallet", user.ID,
			"asset", asset.Symbol, "amount", row.HumanBalance, "dest", dest.ID)
	}
	return nil
}

func (p *Planner) enqueueGas(ctx context.Context, nativeRow *core.WalletBalance, nativeAsset *core.AssetOnChain, rule *core.Rule, user *core.UserWallet) error {
	raw, err := core.ToUnits(rule.TopupAmountHuman, nativeAsset.Decimals)
	if err != nil {
		return core.WrapError(core.ErrInvalidData, fmt.Errorf("topup amount %q: %w", rule.TopupAmountHuman, err))
	}

	dest, err := p.pickGasFunder(ctx, nativeAsset.ChainID, rule)
	if err != nil {
		return err
	}

	job := &core.Job{
		Kind:            core.QueueGasTopup,
		ChainID:         nativeAsset.ChainID,
		AssetOnChainID:  nativeAsset.ID,
		WalletID:        user.ID,
		WalletBalanceID: nativeRow.ID,
		DestinationID:   dest.ID,
		AmountRaw:       raw,
		AmountHuman:     rule.TopupAmountHuman,
		Priority:        rule.Priority,
	}
	inserted, err := p.st.EnqueueJob(ctx, job)
	if err != nil {
		return err
	}
	if inserted {
		p.log.Info("Gas topup enqueued", "wallet", user.ID, "amount", rule.TopupAmountHuman, "funder", dest.ID)
	}
	return nil
}

// pickGasFunder picks a gas-role wallet, falling back to hot when the
// chain has no dedicated gas wallets.
func (p *Planner) pickGasFunder(ctx context.Context, chainID int64, rule *core.Rule) (*core.OperationWallet, error) {
	dest, err := p.pickDestination(ctx, chainID, core.RoleGas, rule)
	if err == nil || !isNoWallet(err) {
		return dest, err
	}
	return p.pickDestination(ctx, chainID, core.RoleHot, rule)
}

func isNoWallet(err error) bool {
	return core.Classify(err) == core.ErrFundingWalletNotFound
}

// pickDestination selects the round-robin destination, honoring a
// preferred wallet id from rule metadata when it is active on this chain.
func (p *Planner) pickDestination(ctx context.Context, chainID int64, role core.WalletRole, rule *core.Rule) (*core.OperationWallet, error) {
	if preferred := preferredWalletID(rule); preferred != 0 {
		w, err := p.st.OperationWalletByID(ctx, preferred)
		if err != nil {
			return nil, err
		}
		if w != nil && w.IsActive && w.ChainID == chainID {
			p.touch(ctx, w.ID)
			return w, nil
		}
		p.log.Warn("Preferred wallet unusable, falling back", "rule", rule.ID, "preferred", preferred)
	}
	w, err := p.st.PickOperationWallet(ctx, chainID, role)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, core.Errorf(core.ErrFundingWalletNotFound, "no active %s wallet on chain %d", role, chainID)
	}
	p.touch(ctx, w.ID)
	return w, nil
}

func (p *Planner) touch(ctx context.Context, id int64) {
	if err := p.st.TouchOperationWallet(ctx, id); err != nil {
		p.log.Debug("last_used_at bump failed", "wallet", id, "err", err)
	}
}

// preferredWalletID extracts metadata.preferred_wallet_id, tolerating the
// numeric types JSON decoding produces.
func preferredWalletID(rule *core.Rule) int64 {
	if rule == nil || rule.Metadata == nil {
		return 0
	}
	switch v := rule.Metadata["preferred_wallet_id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Evaluate compares a balance against a threshold with exact decimal
// arithmetic. Unknown operators evaluate to false with a detail message.
func Evaluate(balance, operator, threshold string) (bool, string) {
	cmp, err := core.CompareDecimal(balance, threshold)
	if err != nil {
		return false, fmt.Sprintf("bad operands: %v", err)
	}
	switch operator {
	case ">":
		return cmp > 0, ""
	case ">=":
		return cmp >= 0, ""
	case "<":
		return cmp < 0, ""
	case "<=":
		return cmp <= 0, ""
	case "==":
		return cmp == 0, ""
	case "!=":
		return cmp != 0, ""
	default:
		return false, fmt.Sprintf("unknown operator %q", operator)
	}
}
