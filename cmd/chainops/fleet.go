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

package main

import (
	"context"
	"fmt"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/chains/evm"
	"github.com/opencustody/chainops/chains/tron"
	"github.com/opencustody/chainops/config"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/signer"
	"github.com/opencustody/chainops/store"
	"github.com/opencustody/chainops/worker"
	"github.com/opencustody/chainops/worker/balance"
	"github.com/opencustody/chainops/worker/confirm"
	"github.com/opencustody/chainops/worker/deposit"
	"github.com/opencustody/chainops/worker/executor"
	"github.com/opencustody/chainops/worker/planner"
)

// Role names as stored in heartbeats and the execution log.
const (
	roleDepositDetector = "deposit_detector"
	roleDepositConfirm  = "deposit_confirmer"
	roleBalanceSync     = "balance_sync"
	rolePlanner         = "planner"
	roleConsolidation   = "consolidation"
	roleGasTopup        = "gas_topup"
	roleWithdrawal      = "withdrawal"
	roleWithdrawIntake  = "withdrawal_intake"
	roleConfirmConsol   = "confirm_consolidation"
	roleConfirmWithdraw = "confirm_withdrawal"
)

func allRoles() []string {
	return []string{
		roleDepositDetector, roleDepositConfirm, roleBalanceSync, rolePlanner,
		roleConsolidation, roleGasTopup, roleWithdrawal, roleWithdrawIntake,
		roleConfirmConsol, roleConfirmWithdraw,
	}
}

func knownRole(r string) bool {
	for _, k := range allRoles() {
		if k == r {
			return true
		}
	}
	return false
}

// fleet holds the shared pieces role builders draw from: one datastore
// handle, one adapter per active chain, one signer client.
type fleet struct {
	cfg      config.Config
	st       *store.Postgres
	chains   []core.Chain
	adapters map[int64]chains.Adapter
	signer   *signer.Client
}

func newFleet(ctx context.Context, cfg config.Config, st *store.Postgres) (*fleet, error) {
	f := &fleet{cfg: cfg, st: st, adapters: make(map[int64]chains.Adapter)}

	var err error
	f.chains, err = st.ActiveChains(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active chains: %w", err)
	}
	if len(f.chains) == 0 {
		return nil, fmt.Errorf("no active chains configured")
	}
	for _, ch := range f.chains {
		ad, err := f.dial(ch)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", ch.Name, err)
		}
		f.adapters[ch.ID] = ad
	}
	if cfg.SignerBaseURL != "" {
		f.signer = signer.New(cfg.SignerBaseURL, cfg.SignerAPIKey)
	}
	return f, nil
}

// dial creates the family-appropriate adapter for one chain row.
func (f *fleet) dial(ch core.Chain) (chains.Adapter, error) {
	switch ch.Family {
	case core.FamilyTron:
		return tron.New(ch.RPCURL, f.cfg.TronAPIKey), nil
	case core.FamilyEVM:
		return evm.Dial(ch.RPCURL)
	default:
		return nil, fmt.Errorf("unknown chain family %q", ch.Family)
	}
}

// submitter builds the broadcast path for one chain. Tron delegates the
// whole build to the signer; EVM builds and prices the transaction locally
// and only sends the unsigned payload out.
func (f *fleet) submitter(ch core.Chain) (executor.Submitter, error) {
	if f.signer == nil {
		return nil, fmt.Errorf("signer not configured")
	}
	switch ch.Family {
	case core.FamilyTron:
		return executor.NewTronSubmitter(f.st, f.signer, ch), nil
	case core.FamilyEVM:
		cl, ok := f.adapters[ch.ID].(*evm.Client)
		if !ok {
			return nil, fmt.Errorf("chain %s has no EVM client", ch.Name)
		}
		return executor.NewEVMSubmitter(f.st, cl, f.signer, ch, f.cfg.GasPriceCapGwei), nil
	default:
		return nil, fmt.Errorf("unknown chain family %q", ch.Family)
	}
}

// build assembles one runtime per (role, chain) pair for per-chain roles
// and one runtime for multi-chain roles.
func (f *fleet) build(roles []string) ([]*worker.Runtime, error) {
	var out []*worker.Runtime
	for _, role := range roles {
		rts, err := f.buildRole(role)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", role, err)
		}
		out = append(out, rts...)
	}
	return out, nil
}

func (f *fleet) buildRole(role string) ([]*worker.Runtime, error) {
	switch role {
	case roleBalanceSync:
		id := worker.WorkerID(roleBalanceSync, "")
		s := balance.NewSyncer(f.st, f.adapters, id, f.cfg.Workers.SyncBatch, f.cfg.Workers.LeaseTTL)
		return []*worker.Runtime{worker.New(worker.Config{
			Role: roleBalanceSync, Interval: f.cfg.ScanInterval,
			Control: f.st, Cycle: s.Cycle,
		})}, nil

	case rolePlanner:
		id := worker.WorkerID(rolePlanner, "")
		p := planner.New(f.st, id, f.cfg.Workers.PlanBatch, f.cfg.Workers.LeaseTTL)
		return []*worker.Runtime{worker.New(worker.Config{
			Role: rolePlanner, Interval: f.cfg.ScanInterval, Mutating: true,
			Control: f.st, Cycle: p.Cycle,
		})}, nil
	}

	// Everything else is one runtime per active chain.
	var out []*worker.Runtime
	for i := range f.chains {
		ch := f.chains[i]
		rt, err := f.buildChainRole(role, ch)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, nil
}

func (f *fleet) buildChainRole(role string, ch core.Chain) (*worker.Runtime, error) {
	ad := f.adapters[ch.ID]
	chainID := ch.ID
	base := worker.Config{
		Role: role, Chain: ch.Name, ChainID: &chainID,
		Interval: f.cfg.ScanInterval, Control: f.st,
	}

	switch role {
	case roleDepositDetector:
		d := deposit.NewDetector(f.st, ad, ch, f.cfg.BatchBlockSize)
		base.Cycle = d.Cycle

	case roleDepositConfirm:
		c := deposit.NewConfirmer(f.st, ad, ch, f.cfg.Workers.SyncBatch)
		base.Cycle = c.Cycle

	case roleConsolidation:
		sub, err := f.submitter(ch)
		if err != nil {
			return nil, err
		}
		id := worker.WorkerID(role, ch.Name)
		e := executor.New(f.st, core.QueueConsolidation, ch, sub, id)
		base.Mutating = true
		base.Cycle = e.Cycle

	case roleGasTopup:
		sub, err := f.submitter(ch)
		if err != nil {
			return nil, err
		}
		id := worker.WorkerID(role, ch.Name)
		// Gas topups have no dedicated confirmation role; the executor
		// settles its own confirming jobs.
		cf := confirm.New(f.st, ad, ch, core.QueueGasTopup, f.cfg.Workers.ConfirmBatch)
		e := executor.New(f.st, core.QueueGasTopup, ch, sub, id).WithConfirmer(cf, ad)
		base.Mutating = true
		base.GasTopup = true
		base.Cycle = e.Cycle

	case roleWithdrawal:
		sub, err := f.submitter(ch)
		if err != nil {
			return nil, err
		}
		id := worker.WorkerID(role, ch.Name)
		e := executor.New(f.st, core.QueueWithdrawal, ch, sub, id)
		base.Mutating = true
		base.Cycle = e.Cycle

	case roleWithdrawIntake:
		in := executor.NewIntake(f.st, ch, f.cfg.Workers.IntakeBatch)
		base.Mutating = true
		base.Cycle = in.Cycle

	case roleConfirmConsol:
		c := confirm.New(f.st, ad, ch, core.QueueConsolidation, f.cfg.Workers.ConfirmBatch)
		base.Cycle = c.Cycle

	case roleConfirmWithdraw:
		c := confirm.New(f.st, ad, ch, core.QueueWithdrawal, f.cfg.Workers.ConfirmBatch)
		base.Cycle = c.Cycle

	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	return worker.New(base), nil
}
