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
	"errors"
	"strings"
	"testing"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/store/memdb"
)

// fakeAdapter is a scripted chains.Adapter for pipeline tests.
type fakeAdapter struct {
	head     int64
	headErr  error
	logs     map[string][]chains.TransferLog // contract -> logs
	receipts map[string]*chains.Receipt
}

func (f *fakeAdapter) Family() core.Family { return core.FamilyEVM }

func (f *fakeAdapter) CurrentBlock(ctx context.Context) (int64, error) {
	return f.head, f.headErr
}

func (f *fakeAdapter) TransferLogs(ctx context.Context, contract string, from, to int64) ([]chains.TransferLog, error) {
	var out []chains.TransferLog
	for _, l := range f.logs[strings.ToLower(contract)] {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeAdapter) GetReceipt(ctx context.Context, txHash string) (*chains.Receipt, error) {
	return f.receipts[txHash], nil
}

func (f *fakeAdapter) NativeBalance(ctx context.Context, addr string) (string, error) {
	return "0", nil
}

func (f *fakeAdapter) TokenBalance(ctx context.Context, contract, addr string) (string, error) {
	return "0", nil
}

func (f *fakeAdapter) NormalizeAddress(addr string) (string, error) {
	if addr == "" {
		return "", core.Errorf(core.ErrInvalidData, "empty address")
	}
	return strings.ToLower(addr), nil
}

const (
	usdtContract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	userAddr     = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
)

func seedChain(db *memdb.DB) core.Chain {
	ch := core.Chain{ID: 1, Name: "bsc", Family: core.FamilyEVM, ConfirmationThreshold: 12, IsActive: true}
	db.Chains = append(db.Chains, ch)
	db.Assets = append(db.Assets,
		core.AssetOnChain{ID: 10, ChainID: 1, AssetID: 100, Symbol: "USDT", ContractAddress: usdtContract, Decimals: 6, IsActive: true},
		core.AssetOnChain{ID: 11, ChainID: 1, AssetID: 101, Symbol: "BNB", Decimals: 18, IsNative: true, IsActive: true},
	)
	db.Users = append(db.Users, core.UserWallet{ID: 5, UID: "user-1", ChainID: 1, Address: userAddr, IsActive: true})
	return ch
}

// TestDetectorRecordsMonitoredTransfer checks a transfer to a monitored
// address in the safe window becomes a pending deposit with a human amount.
func TestDetectorRecordsMonitoredTransfer(t *testing.T) {
	db := memdb.New()
	ch := seedChain(db)
	ad := &fakeAdapter{
		head: 1000,
		logs: map[string][]chains.TransferLog{
			strings.ToLower(usdtContract): {
				{TxHash: "0xaa", LogIndex: 3, BlockNumber: 980, From: "0xfeed", To: userAddr, AmountRaw: "2500000"},
				{TxHash: "0xbb", LogIndex: 0, BlockNumber: 981, From: "0xfeed", To: "0xsomeoneelse", AmountRaw: "1"},
			},
		},
	}
	det := NewDetector(db, ad, ch, 100)

	res, err := det.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if res.Metadata["inserted"] != 1 {
		t.Fatalf("inserted = %v, want 1", res.Metadata["inserted"])
	}

	due, _ := db.DueDeposits(context.Background(), ch.ID, 10)
	if len(due) != 1 {
		t.Fatalf("deposits = %d", len(due))
	}
	dep := due[0]
	if dep.UID != "user-1" || dep.AmountHuman != "2.5" || dep.Status != core.DepositPending {
		t.Fatalf("deposit row %+v", dep)
	}
	if dep.LogIndex != 3 || dep.FirstSeenBlock != 980 {
		t.Fatalf("deposit provenance %+v", dep)
	}
}

// TestDetectorWindowAndCursor checks the scan window stops at the safe
// head, advances the cursor, and a rescan inserts nothing new.
func TestDetectorWindowAndCursor(t *testing.T) {
	db := memdb.New()
	ch := seedChain(db)
	db.SetLastProcessedBlock(context.Background(), ch.ID, 900)
	ad := &fakeAdapter{
		head: 1000,
		logs: map[string][]chains.TransferLog{
			strings.ToLower(usdtContract): {
				{TxHash: "0xaa", LogIndex: 0, BlockNumber: 950, From: "0xfeed", To: userAddr, AmountRaw: "1000000"},
			},
		},
	}
	det := NewDetector(db, ad, ch, 100)

	if _, err := det.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	// safe head = 1000 - 12 = 988, window [901, 988]
	block, ok, _ := db.LastProcessedBlock(context.Background(), ch.ID)
	if !ok || block != 988 {
		t.Fatalf("cursor = %d, want 988", block)
	}

	// A second instance scanning the same window (crash-rescan or race)
	// must insert nothing new.
	n, err := det.scanAsset(context.Background(), db.Assets[0], 901, 988)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if n != 0 {
		t.Fatalf("rescan inserted %d", n)
	}
	due, _ := db.DueDeposits(context.Background(), ch.ID, 10)
	if len(due) != 1 {
		t.Fatalf("duplicate deposit after rescan: %d rows", len(due))
	}
}

// TestDetectorSkipsWhenNothingSafe checks that a young chain with fewer
// blocks than the threshold produces a skip, not a scan.
func TestDetectorSkipsWhenNothingSafe(t *testing.T) {
	db := memdb.New()
	ch := seedChain(db)
	det := NewDetector(db, &fakeAdapter{head: 5}, ch, 100)
	res, err := det.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected skip below confirmation threshold")
	}
}

// TestConfirmerProgressAndCredit walks a deposit from pending through
// confirmed to credited and checks the ledger sees it exactly once.
func TestConfirmerProgressAndCredit(t *testing.T) {
	db := memdb.New()
	ch := seedChain(db)
	dep := db.AddDeposit(core.Deposit{
		ChainID: ch.ID, AssetOnChainID: 10, UID: "user-1",
		TxHash: "0xaa", LogIndex: 0, BlockNumber: 980,
		AmountRaw: "2500000", AmountHuman: "2.5", Status: core.DepositPending,
	})
	ad := &fakeAdapter{head: 985} // 6 confirmations, threshold 12
	conf := NewConfirmer(db, ad, ch, 50)

	if _, err := conf.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	got := db.Deposit(dep.ID)
	if got.Status != core.DepositPending || got.Confirmations != 6 {
		t.Fatalf("below threshold: %+v", got)
	}
	if len(db.Credits()) != 0 {
		t.Fatal("credited below threshold")
	}

	ad.head = 991 // exactly 12 confirmations
	if _, err := conf.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	got = db.Deposit(dep.ID)
	if got.Status != core.DepositConfirmed || got.CreditedAt == nil {
		t.Fatalf("at threshold: %+v", got)
	}
	credits := db.Credits()
	if len(credits) != 1 {
		t.Fatalf("credits = %d, want 1", len(credits))
	}
	if credits[0].UID != "user-1" || credits[0].AssetID != 100 || credits[0].AmountHuman != "2.5" {
		t.Fatalf("credit call %+v", credits[0])
	}

	// A further cycle must not credit again.
	if _, err := conf.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(db.Credits()) != 1 {
		t.Fatalf("double credit: %d calls", len(db.Credits()))
	}
}

// TestConfirmerRecoversCreditAfterCrash simulates a crash between the
// status flip and the ledger call: a confirmed row without credited_at is
// picked up and credited.
func TestConfirmerRecoversCreditAfterCrash(t *testing.T) {
	db := memdb.New()
	ch := seedChain(db)
	dep := db.AddDeposit(core.Deposit{
		ChainID: ch.ID, AssetOnChainID: 10, UID: "user-1",
		TxHash: "0xaa", LogIndex: 0, BlockNumber: 980,
		AmountRaw: "1000000", AmountHuman: "1", Status: core.DepositConfirmed,
		Confirmations: 12,
	})
	conf := NewConfirmer(db, &fakeAdapter{head: 991}, ch, 50)

	if _, err := conf.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(db.Credits()) != 1 {
		t.Fatalf("credits = %d, want 1", len(db.Credits()))
	}
	if db.Deposit(dep.ID).CreditedAt == nil {
		t.Fatal("credited_at not set")
	}
}

// TestConfirmerLedgerFailureKeepsRowDue checks a failing ledger call leaves
// credited_at null so the credit is retried, without double counting once
// the ledger recovers.
func TestConfirmerLedgerFailureKeepsRowDue(t *testing.T) {
	db := memdb.New()
	ch := seedChain(db)
	dep := db.AddDeposit(core.Deposit{
		ChainID: ch.ID, AssetOnChainID: 10, UID: "user-1",
		TxHash: "0xaa", LogIndex: 0, BlockNumber: 980,
		AmountRaw: "1000000", AmountHuman: "1", Status: core.DepositPending,
	})
	db.CreditErr = errors.New("ledger down")
	conf := NewConfirmer(db, &fakeAdapter{head: 991}, ch, 50)

	if _, err := conf.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	got := db.Deposit(dep.ID)
	if got.Status != core.DepositConfirmed || got.CreditedAt != nil {
		t.Fatalf("after ledger failure: %+v", got)
	}

	db.CreditErr = nil
	if _, err := conf.Cycle(context.Background()); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if len(db.Credits()) != 1 {
		t.Fatalf("credits = %d, want 1", len(db.Credits()))
	}
	if db.Deposit(dep.ID).CreditedAt == nil {
		t.Fatal("credited_at not set after retry")
	}
}

// TestConfirmerWaitsOnLaggingHead checks a head behind the deposit's block
// leaves the row untouched.
func TestConfirmerWaitsOnLaggingHead(t *testing.T) {
	db := memdb.New()
	ch := seedChain(db)
	dep := db.AddDeposit(core.Deposit{
		ChainID: ch.ID, AssetOnChainID: 10, UID: "user-1",
		TxHash: "0xaa", LogIndex: 0, BlockNumber: 980,
		AmountRaw: "1000000", AmountHuman: "1", Status: core.DepositPending,
	})
	conf := NewConfirmer(db, &fakeAdapter{head: 970}, ch, 50)
	if _, err := conf.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	got := db.Deposit(dep.ID)
	if got.Status != core.DepositPending || got.Confirmations != 0 {
		t.Fatalf("row changed under lagging head: %+v", got)
	}
}
