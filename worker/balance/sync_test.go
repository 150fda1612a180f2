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

package balance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opencustody/chainops/chains"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/store/memdb"
)

// fakeAdapter serves scripted balances.
type fakeAdapter struct {
	native map[string]string
	token  map[string]string // contract|addr -> raw
	err    error
}

func (f *fakeAdapter) Family() core.Family                            { return core.FamilyEVM }
func (f *fakeAdapter) CurrentBlock(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeAdapter) TransferLogs(ctx context.Context, contract string, from, to int64) ([]chains.TransferLog, error) {
	return nil, nil
}
func (f *fakeAdapter) GetReceipt(ctx context.Context, txHash string) (*chains.Receipt, error) {
	return nil, nil
}
func (f *fakeAdapter) NativeBalance(ctx context.Context, addr string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.native[strings.ToLower(addr)], nil
}
func (f *fakeAdapter) TokenBalance(ctx context.Context, contract, addr string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token[strings.ToLower(contract)+"|"+strings.ToLower(addr)], nil
}
func (f *fakeAdapter) NormalizeAddress(addr string) (string, error) {
	return strings.ToLower(addr), nil
}

func seed(db *memdb.DB) (core.AssetOnChain, core.AssetOnChain) {
	db.Chains = append(db.Chains, core.Chain{ID: 1, Name: "bsc", Family: core.FamilyEVM, IsActive: true})
	token := core.AssetOnChain{ID: 10, ChainID: 1, AssetID: 100, Symbol: "USDT", ContractAddress: "0xusdt", Decimals: 6, IsActive: true}
	native := core.AssetOnChain{ID: 11, ChainID: 1, AssetID: 101, Symbol: "BNB", Decimals: 18, IsNative: true, IsActive: true}
	db.Assets = append(db.Assets, token, native)
	db.Users = append(db.Users, core.UserWallet{ID: 5, UID: "u1", ChainID: 1, Address: "0xUser", IsActive: true})
	return token, native
}

// TestSyncWritesTokenAndNativeBalances checks both balance kinds land as
// raw integer plus exact decimal strings, with sync bookkeeping.
func TestSyncWritesTokenAndNativeBalances(t *testing.T) {
	db := memdb.New()
	token, native := seed(db)
	tokenRow := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: token.ID})
	nativeRow := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: native.ID})

	ad := &fakeAdapter{
		native: map[string]string{"0xuser": "1500000000000000000"},
		token:  map[string]string{"0xusdt|0xuser": "12345678"},
	}
	s := NewSyncer(db, map[int64]chains.Adapter{1: ad}, "balance_sync_1_h", 50, time.Minute)

	res, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if res.Metadata["synced"] != 2 {
		t.Fatalf("synced = %v", res.Metadata["synced"])
	}

	got := db.Balance(tokenRow.ID)
	if got.RawBalance != "12345678" || got.HumanBalance != "12.345678" {
		t.Fatalf("token row %+v", got)
	}
	if got.SyncCount != 1 || got.LastChecked == nil {
		t.Fatalf("token bookkeeping %+v", got)
	}
	if got.General.LockedBy != "" || got.Processing != core.StatusIdle {
		t.Fatalf("lease not released %+v", got)
	}

	got = db.Balance(nativeRow.ID)
	if got.RawBalance != "1500000000000000000" || got.HumanBalance != "1.5" {
		t.Fatalf("native row %+v", got)
	}
}

// TestSyncSkipsLeasedRows checks rows leased by another worker are left
// alone.
func TestSyncSkipsLeasedRows(t *testing.T) {
	db := memdb.New()
	token, _ := seed(db)
	row := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: token.ID})
	won, _ := db.AcquireGeneralLease(context.Background(), []int64{row.ID}, "other_worker", time.Minute, core.StatusProcessing)
	if len(won) != 1 {
		t.Fatal("seed lease failed")
	}

	ad := &fakeAdapter{token: map[string]string{"0xusdt|0xuser": "99"}}
	s := NewSyncer(db, map[int64]chains.Adapter{1: ad}, "balance_sync_1_h", 50, time.Minute)
	res, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected skip when every row is leased elsewhere")
	}
	if got := db.Balance(row.ID); got.RawBalance != "0" && got.RawBalance != "" {
		t.Fatalf("leased row was written: %+v", got)
	}
}

// TestSyncRecordsRowErrorAndReleases checks an RPC failure lands in
// last_error, bumps error_count and still releases the lease.
func TestSyncRecordsRowErrorAndReleases(t *testing.T) {
	db := memdb.New()
	token, _ := seed(db)
	row := db.AddBalance(core.WalletBalance{WalletID: 5, AssetOnChainID: token.ID})

	ad := &fakeAdapter{err: core.Errorf(core.ErrUnauthorized, "bad api key")}
	s := NewSyncer(db, map[int64]chains.Adapter{1: ad}, "balance_sync_1_h", 50, time.Minute)
	res, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if res.Metadata["failed"] != 1 {
		t.Fatalf("failed = %v", res.Metadata["failed"])
	}

	got := db.Balance(row.ID)
	if got.ErrorCount != 1 || !strings.Contains(got.LastError, "unauthorized") {
		t.Fatalf("error bookkeeping %+v", got)
	}
	if got.General.LockedBy != "" || got.Processing != core.StatusIdle {
		t.Fatalf("lease not released after failure %+v", got)
	}
	if got.SyncCount != 0 {
		t.Fatal("failed sync must not bump sync_count")
	}
}
