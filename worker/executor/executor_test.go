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
	"strings"
	"testing"
	"time"

	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/signer"
	"github.com/opencustody/chainops/store/memdb"
)

// scriptedSubmitter returns canned results and records submissions.
type scriptedSubmitter struct {
	hash string
	err  error
	jobs []core.Job
}

func (s *scriptedSubmitter) Submit(ctx context.Context, job core.Job) (string, error) {
	s.jobs = append(s.jobs, job)
	if s.err != nil {
		return "", s.err
	}
	return s.hash, nil
}

// fakeSigner scripts the signer for submitter tests.
type fakeSigner struct {
	reqs []*signer.Request
	res  *signer.Result
	err  error
}

func (f *fakeSigner) Sign(ctx context.Context, req *signer.Request) (*signer.Result, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

var tronChain = core.Chain{ID: 1, Name: "tron", Family: core.FamilyTron, ConfirmationThreshold: 19, IsActive: true}

func seedTron(db *memdb.DB) {
	db.Chains = append(db.Chains, tronChain)
	db.Assets = append(db.Assets,
		core.AssetOnChain{ID: 10, ChainID: 1, AssetID: 100, Symbol: "USDT", ContractAddress: "TContract", Decimals: 6, IsActive: true},
		core.AssetOnChain{ID: 11, ChainID: 1, AssetID: 101, Symbol: "TRX", Decimals: 6, IsNative: true, IsActive: true},
	)
	db.Users = append(db.Users, core.UserWallet{ID: 5, UID: "u1", ChainID: 1, Address: "TUser", WalletGroupID: 7, DerivationIndex: 42, IsActive: true})
	db.Ops = append(db.Ops, core.OperationWallet{ID: 20, ChainID: 1, Role: core.RoleHot, Address: "THot", WalletGroupID: 1, DerivationIndex: 0, IsActive: true})
}

// TestExecutorBroadcastsPendingJob walks the happy path: pending job,
// wallet lease acquired and held, hash persisted with status confirming.
func TestExecutorBroadcastsPendingJob(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	row := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: 10, RawBalance: "480000000", HumanBalance: "480"})
	job := db.AddJob(core.Job{Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, WalletBalanceID: row.ID, DestinationID: 20,
		AmountRaw: "480000000", AmountHuman: "480", Status: core.JobPending})

	sub := &scriptedSubmitter{hash: "txabc"}
	e := New(db, core.QueueConsolidation, tronChain, sub, "consolidation_tron_1_h")
	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	got := db.Job(core.QueueConsolidation, job.ID)
	if got.Status != core.JobConfirming || got.TxHash != "txabc" {
		t.Fatalf("job after broadcast %+v", got)
	}
	if len(sub.jobs) != 1 {
		t.Fatalf("submitted %d times", len(sub.jobs))
	}
	// The lease stays held for the confirmation worker to release.
	if b := db.Balance(row.ID); !b.Consolidation.Held(time.Now()) {
		t.Fatalf("consolidation lease not held: %+v", b)
	}
}

// TestExecutorNeverResubmitsWithHash covers the core idempotency rule: a
// pending job already carrying a hash moves to confirming without another
// submission.
func TestExecutorNeverResubmitsWithHash(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	row := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: 10, RawBalance: "1", HumanBalance: "0.000001"})
	job := db.AddJob(core.Job{Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, WalletBalanceID: row.ID, DestinationID: 20,
		AmountRaw: "1", AmountHuman: "0.000001", Status: core.JobPending, TxHash: "txold"})

	sub := &scriptedSubmitter{hash: "txnew"}
	e := New(db, core.QueueConsolidation, tronChain, sub, "w1")
	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(sub.jobs) != 0 {
		t.Fatal("job with hash was resubmitted")
	}
	got := db.Job(core.QueueConsolidation, job.ID)
	if got.Status != core.JobConfirming || got.TxHash != "txold" {
		t.Fatalf("job %+v", got)
	}
}

// TestExecutorPrefersHighPriority checks the pick order: priority rank
// first, then scheduled_at.
func TestExecutorPrefersHighPriority(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	rowA := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: 10})
	rowB := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: 11})
	old := time.Now().Add(-time.Hour)
	db.AddJob(core.Job{Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, WalletBalanceID: rowA.ID, DestinationID: 20, AmountRaw: "1", AmountHuman: "1",
		Status: core.JobPending, Priority: "low", ScheduledAt: old})
	hi := db.AddJob(core.Job{Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, WalletBalanceID: rowB.ID, DestinationID: 20, AmountRaw: "2", AmountHuman: "2",
		Status: core.JobPending, Priority: "high", ScheduledAt: time.Now().Add(-time.Minute)})

	sub := &scriptedSubmitter{hash: "tx1"}
	e := New(db, core.QueueConsolidation, tronChain, sub, "w1")
	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(sub.jobs) != 1 || sub.jobs[0].ID != hi.ID {
		t.Fatalf("picked %+v, want high-priority job %d", sub.jobs, hi.ID)
	}
}

// TestExecutorDefersWhenWalletBusy checks a held operation lease defers the
// job without consuming a retry.
func TestExecutorDefersWhenWalletBusy(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	row := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: 10})
	ok, _ := db.AcquireOpLease(context.Background(), core.LeaseConsolidation, row.ID, "other", time.Minute)
	if !ok {
		t.Fatal("seed lease failed")
	}
	job := db.AddJob(core.Job{Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, WalletBalanceID: row.ID, DestinationID: 20, AmountRaw: "1", AmountHuman: "1",
		Status: core.JobPending})

	sub := &scriptedSubmitter{hash: "tx1"}
	e := New(db, core.QueueConsolidation, tronChain, sub, "w1")
	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(sub.jobs) != 0 {
		t.Fatal("submitted despite busy wallet")
	}
	got := db.Job(core.QueueConsolidation, job.ID)
	if got.Status != core.JobPending || got.RetryCount != 0 {
		t.Fatalf("job %+v", got)
	}
	if !got.ScheduledAt.After(time.Now()) {
		t.Fatal("job not deferred")
	}
}

// TestExecutorRetryableErrorBacksOff checks a retryable submit failure
// returns the job to pending with backoff and a tagged error, and releases
// the wallet lease.
func TestExecutorRetryableErrorBacksOff(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	row := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: 10})
	job := db.AddJob(core.Job{Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, WalletBalanceID: row.ID, DestinationID: 20, AmountRaw: "1", AmountHuman: "1",
		Status: core.JobPending})

	sub := &scriptedSubmitter{err: core.Errorf(core.ErrTapos, "refs expired")}
	e := New(db, core.QueueConsolidation, tronChain, sub, "w1")
	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	got := db.Job(core.QueueConsolidation, job.ID)
	if got.Status != core.JobPending || got.RetryCount != 1 || got.TxHash != "" {
		t.Fatalf("job %+v", got)
	}
	if !strings.HasPrefix(got.ErrorMessage, "[tapos_error]") {
		t.Fatalf("error message %q", got.ErrorMessage)
	}
	// First retry waits 60s.
	if wait := time.Until(got.ScheduledAt); wait < 50*time.Second || wait > 70*time.Second {
		t.Fatalf("backoff %v", wait)
	}
	if b := db.Balance(row.ID); b.Consolidation.Held(time.Now()) {
		t.Fatal("lease not released after failure")
	}
}

// TestExecutorFatalErrorFailsJob checks non-retryable errors jump straight
// to failed, and a failed withdrawal propagates into the request.
func TestExecutorFatalErrorFailsJob(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	req := db.AddRequest(core.WithdrawalRequest{UID: "u1", ChainID: 1, AssetOnChainID: 10,
		ToAddress: "TDest", AmountRaw: "1000000", AmountHuman: "1", Status: core.WithdrawalQueued})
	job := db.AddJob(core.Job{Kind: core.QueueWithdrawal, ChainID: 1, AssetOnChainID: 10,
		WalletID: 20, DestinationID: 20, WithdrawalRequestID: req.ID, ToAddress: "TDest",
		AmountRaw: "1000000", AmountHuman: "1", Status: core.JobPending})

	sub := &scriptedSubmitter{err: core.Errorf(core.ErrInsufficientBalance, "hot wallet dry")}
	e := New(db, core.QueueWithdrawal, tronChain, sub, "w1")
	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	got := db.Job(core.QueueWithdrawal, job.ID)
	if got.Status != core.JobFailed || got.ProcessedAt == nil {
		t.Fatalf("job %+v", got)
	}
	if !strings.HasPrefix(got.ErrorMessage, "[insufficient_balance]") {
		t.Fatalf("error message %q", got.ErrorMessage)
	}
	if db.Request(req.ID).Status != core.WithdrawalFailed {
		t.Fatal("request not failed")
	}
}

// TestExecutorExhaustedRetriesFail checks the retry budget: a retryable
// error on the last allowed attempt fails the job.
func TestExecutorExhaustedRetriesFail(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	row := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: 10})
	job := db.AddJob(core.Job{Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, WalletBalanceID: row.ID, DestinationID: 20, AmountRaw: "1", AmountHuman: "1",
		Status: core.JobPending, RetryCount: core.MaxJobRetries})

	sub := &scriptedSubmitter{err: core.Errorf(core.ErrNetwork, "rpc down")}
	e := New(db, core.QueueConsolidation, tronChain, sub, "w1")
	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if got := db.Job(core.QueueConsolidation, job.ID); got.Status != core.JobFailed {
		t.Fatalf("job %+v", got)
	}
}

// TestTronSubmitterBuildsIntents checks the intent shapes for TRC20 and
// native sends and the derivation identity forwarded to the signer.
func TestTronSubmitterBuildsIntents(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	sg := &fakeSigner{res: &signer.Result{TxHash: "txhash1"}}
	sub := NewTronSubmitter(db, sg, tronChain)

	// Consolidation: user wallet signs a TRC20 transfer to the hot wallet.
	hash, err := sub.Submit(context.Background(), core.Job{
		Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, DestinationID: 20, AmountRaw: "480000000", AmountHuman: "480",
	})
	if err != nil || hash != "txhash1" {
		t.Fatalf("Submit: %q %v", hash, err)
	}
	req := sg.reqs[0]
	if req.Chain != "tron" || req.WalletGroupID != 7 || req.DerivationIndex != 42 {
		t.Fatalf("signing identity %+v", req)
	}
	in := req.TxIntent
	if in.Type != signer.IntentTRC20Transfer || in.From != "TUser" || in.To != "THot" ||
		in.AmountSun != "480000000" || in.ContractAddress != "TContract" {
		t.Fatalf("intent %+v", in)
	}
	if req.UnsignedTx != "" {
		t.Fatal("tron submissions must not carry an unsigned tx")
	}

	// Gas topup: the funding wallet signs a native send to the user.
	if _, err := sub.Submit(context.Background(), core.Job{
		Kind: core.QueueGasTopup, ChainID: 1, AssetOnChainID: 11,
		WalletID: 5, DestinationID: 20, AmountRaw: "10000000", AmountHuman: "10",
	}); err != nil {
		t.Fatalf("Submit gas: %v", err)
	}
	req = sg.reqs[1]
	if req.WalletGroupID != 1 || req.DerivationIndex != 0 {
		t.Fatalf("funder identity %+v", req)
	}
	in = req.TxIntent
	if in.Type != signer.IntentSendTRX || in.From != "THot" || in.To != "TUser" || in.ContractAddress != "" {
		t.Fatalf("gas intent %+v", in)
	}
}

// TestTronTaposErrorLeavesNoHash checks a TAPOS failure surfaces as a
// retryable error with no hash persisted.
func TestTronTaposErrorLeavesNoHash(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	row := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: 10})
	job := db.AddJob(core.Job{Kind: core.QueueConsolidation, ChainID: 1, AssetOnChainID: 10,
		WalletID: 5, WalletBalanceID: row.ID, DestinationID: 20, AmountRaw: "1", AmountHuman: "1",
		Status: core.JobPending})

	sg := &fakeSigner{err: core.Errorf(core.ErrTapos, "tapos refs expired")}
	e := New(db, core.QueueConsolidation, tronChain, NewTronSubmitter(db, sg, tronChain), "w1")
	if _, err := e.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	got := db.Job(core.QueueConsolidation, job.ID)
	if got.TxHash != "" || got.Status != core.JobPending || got.RetryCount != 1 {
		t.Fatalf("job after tapos error %+v", got)
	}
}

// TestIntakeConvertsApprovedRequests checks the approved -> queued flip and
// the pinned hot-wallet job, and that a second cycle converts nothing.
func TestIntakeConvertsApprovedRequests(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	req := db.AddRequest(core.WithdrawalRequest{UID: "u1", ChainID: 1, AssetOnChainID: 10,
		ToAddress: "TDest", AmountRaw: "5000000", AmountHuman: "5", Status: core.WithdrawalApproved})

	in := NewIntake(db, tronChain, 25)
	if _, err := in.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if db.Request(req.ID).Status != core.WithdrawalQueued {
		t.Fatalf("request status %s", db.Request(req.ID).Status)
	}
	jobs := db.Jobs(core.QueueWithdrawal)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	j := jobs[0]
	if j.DestinationID != 20 || j.WithdrawalRequestID != req.ID || j.ToAddress != "TDest" ||
		j.AmountRaw != "5000000" || j.Priority != "high" {
		t.Fatalf("job %+v", j)
	}

	res, err := in.Cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if !res.Skipped {
		t.Fatal("second cycle must see no approved requests")
	}
	if len(db.Jobs(core.QueueWithdrawal)) != 1 {
		t.Fatal("duplicate withdrawal job")
	}
}

// TestIntakeWithoutHotWalletLeavesApproved checks a chain with no hot
// wallet leaves the request approved for a later cycle.
func TestIntakeWithoutHotWalletLeavesApproved(t *testing.T) {
	db := memdb.New()
	seedTron(db)
	db.Ops = nil
	req := db.AddRequest(core.WithdrawalRequest{UID: "u1", ChainID: 1, AssetOnChainID: 10,
		ToAddress: "TDest", AmountRaw: "1", AmountHuman: "0.000001", Status: core.WithdrawalApproved})

	in := NewIntake(db, tronChain, 25)
	if _, err := in.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if db.Request(req.ID).Status != core.WithdrawalApproved {
		t.Fatal("request must stay approved without a sender")
	}
	if len(db.Jobs(core.QueueWithdrawal)) != 0 {
		t.Fatal("job enqueued without a sender")
	}
}
