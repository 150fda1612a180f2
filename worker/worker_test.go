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

package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/store/memdb"
)

// TestWorkerIDShape checks the role_chain_pid_hostname identity and the
// multi-chain variant without a chain segment.
func TestWorkerIDShape(t *testing.T) {
	id := WorkerID("deposit_detector", "bsc")
	parts := strings.Split(id, "_")
	if len(parts) < 4 {
		t.Fatalf("worker id %q has too few segments", id)
	}
	if !strings.HasPrefix(id, "deposit_detector_bsc_") {
		t.Fatalf("worker id %q missing role/chain prefix", id)
	}
	if strings.Contains(WorkerID("balance_sync", ""), "__") {
		t.Fatal("empty chain must not leave a double underscore")
	}
}

// TestRunCyclesAndStops runs a runtime for a few cycles and checks the
// execution log and the graceful stop path.
func TestRunCyclesAndStops(t *testing.T) {
	db := memdb.New()
	var cycles atomic.Int64
	r := New(Config{
		Role:     "balance_sync",
		Interval: 5 * time.Millisecond,
		Control:  db,
		Cycle: func(ctx context.Context) (Result, error) {
			cycles.Add(1)
			return Result{}, nil
		},
	})

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for cycles.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("worker never cycled")
		case <-time.After(time.Millisecond):
		}
	}
	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	execs := db.Executions()
	if len(execs) == 0 {
		t.Fatal("no execution log rows")
	}
	for _, e := range execs {
		if e.Status != CycleSuccess {
			t.Fatalf("execution status = %q", e.Status)
		}
		if e.ID == "" || e.WorkerID != r.ID() {
			t.Fatalf("malformed execution row %+v", e)
		}
	}
	if db.WorkerState(r.ID()) != "stopped" {
		t.Fatalf("final heartbeat state = %q", db.WorkerState(r.ID()))
	}
}

// TestEmergencyPausesMutatingWorker checks that a mutating role records a
// skip and never runs its cycle under emergency incident mode.
func TestEmergencyPausesMutatingWorker(t *testing.T) {
	db := memdb.New()
	db.SetIncident(core.IncidentMode{Mode: core.IncidentEmergency})
	var cycles atomic.Int64
	r := New(Config{
		Role:     "consolidation",
		Interval: 5 * time.Millisecond,
		Mutating: true,
		Control:  db,
		Cycle: func(ctx context.Context) (Result, error) {
			cycles.Add(1)
			return Result{}, nil
		},
	})
	go r.Run(context.Background())
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	if cycles.Load() != 0 {
		t.Fatalf("cycle ran %d times under emergency", cycles.Load())
	}
	execs := db.Executions()
	if len(execs) == 0 {
		t.Fatal("no execution rows")
	}
	if execs[0].Status != CycleSkip {
		t.Fatalf("status = %q, want skip", execs[0].Status)
	}
	if execs[0].Metadata["reason"] != "incident_emergency" {
		t.Fatalf("skip reason = %v", execs[0].Metadata["reason"])
	}
}

// TestDegradedGatesGasTopupOnly checks the degraded-mode carve-out: gas
// topup pauses unless the config allows it, other mutating roles keep going.
func TestDegradedGatesGasTopupOnly(t *testing.T) {
	db := memdb.New()
	db.SetIncident(core.IncidentMode{Mode: core.IncidentDegraded})

	gas := New(Config{Role: "gas_topup", Mutating: true, GasTopup: true, Control: db,
		Cycle: func(ctx context.Context) (Result, error) { return Result{}, nil }})
	if paused, reason := gas.paused(context.Background()); !paused || reason != "incident_degraded" {
		t.Fatalf("gas topup not paused under degraded: %v %q", paused, reason)
	}

	cons := New(Config{Role: "consolidation", Mutating: true, Control: db,
		Cycle: func(ctx context.Context) (Result, error) { return Result{}, nil }})
	if paused, _ := cons.paused(context.Background()); paused {
		t.Fatal("consolidation must keep running under degraded")
	}

	db.SetIncident(core.IncidentMode{Mode: core.IncidentDegraded, DegradedGasAllowed: true})
	if paused, _ := gas.paused(context.Background()); paused {
		t.Fatal("gas topup must run when degraded gas is allowed")
	}
}

// TestMaintenancePausesMutating checks the maintenance flag gates mutating
// roles but not read-only ones.
func TestMaintenancePausesMutating(t *testing.T) {
	db := memdb.New()
	db.SetMaintenance(true)

	mut := New(Config{Role: "withdrawal", Mutating: true, Control: db,
		Cycle: func(ctx context.Context) (Result, error) { return Result{}, nil }})
	if paused, reason := mut.paused(context.Background()); !paused || reason != "maintenance" {
		t.Fatalf("mutating role not paused under maintenance: %v %q", paused, reason)
	}

	ro := New(Config{Role: "balance_sync", Control: db,
		Cycle: func(ctx context.Context) (Result, error) { return Result{}, nil }})
	if paused, _ := ro.paused(context.Background()); paused {
		t.Fatal("non-mutating role must ignore maintenance")
	}
}

// TestCycleErrorRecordsFail checks a failing cycle lands in the log as fail
// with the error message, and the loop keeps running.
func TestCycleErrorRecordsFail(t *testing.T) {
	db := memdb.New()
	var cycles atomic.Int64
	r := New(Config{
		Role:     "deposit_detector",
		Interval: 5 * time.Millisecond,
		Control:  db,
		Cycle: func(ctx context.Context) (Result, error) {
			cycles.Add(1)
			return Result{}, core.Errorf(core.ErrNetwork, "rpc down")
		},
	})
	go r.Run(context.Background())
	deadline := time.After(2 * time.Second)
	for cycles.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("loop stopped after a failing cycle")
		case <-time.After(time.Millisecond):
		}
	}
	r.Stop()

	execs := db.Executions()
	if execs[0].Status != CycleFail || !strings.Contains(execs[0].Error, "rpc down") {
		t.Fatalf("unexpected failure row %+v", execs[0])
	}
}

// TestJitterStaysWithinBounds pins the ±10% polling spread.
func TestJitterStaysWithinBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		j := jitter(base)
		if j < 900*time.Millisecond || j > 1100*time.Millisecond {
			t.Fatalf("jitter(%v) = %v out of bounds", base, j)
		}
	}
}

// TestStopSweepsLeases checks leases held under the worker id are released
// during shutdown.
func TestStopSweepsLeases(t *testing.T) {
	db := memdb.New()
	r := New(Config{
		Role:     "balance_sync",
		Interval: time.Hour,
		Control:  db,
		Cycle:    func(ctx context.Context) (Result, error) { return Result{}, nil },
	})
	b := db.AddBalance(core.WalletBalance{WalletID: 1, AssetOnChainID: 1})
	won, err := db.AcquireGeneralLease(context.Background(), []int64{b.ID}, r.ID(), time.Minute, core.StatusProcessing)
	if err != nil || len(won) != 1 {
		t.Fatalf("seed lease: %v %v", won, err)
	}

	done := make(chan struct{})
	go func() { r.Run(context.Background()); close(done) }()
	time.Sleep(10 * time.Millisecond)
	r.Stop()
	<-done

	if got := db.Balance(b.ID); got.General.LockedBy != "" || got.Processing != core.StatusIdle {
		t.Fatalf("lease not swept: %+v", got)
	}
}
