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

// Package worker is the shared runtime every role runs on: the jittered
// polling loop, heartbeats, incident and maintenance gating, the execution
// log, and the lease sweep on graceful stop. Roles plug in a single cycle
// function; everything else is common.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/metrics"
	"github.com/opencustody/chainops/store"
)

// Cycle outcome statuses recorded in the execution log.
const (
	CycleSuccess = "success"
	CycleFail    = "fail"
	CycleSkip    = "skip"
)

// Result is what one cycle reports back to the runtime.
type Result struct {
	// Skipped marks a cycle that deliberately did nothing (gating, empty
	// pick). The runtime also produces skips itself when gated.
	Skipped bool
	// Metadata lands in the execution log row.
	Metadata map[string]any
}

// CycleFunc does one unit of a role's work. Returning an error records a
// failed cycle; the loop keeps running.
type CycleFunc func(ctx context.Context) (Result, error)

// ControlPlane is what the runtime itself needs from the datastore.
type ControlPlane interface {
	store.ControlStore
	// ReleaseLeasesBy sweeps this worker's leases on graceful stop.
	ReleaseLeasesBy(ctx context.Context, workerID string) error
}

// Config wires one runtime instance.
type Config struct {
	Role     string
	Chain    string // chain name for the worker id; empty for multi-chain roles
	ChainID  *int64 // for heartbeats
	Interval time.Duration
	// Mutating roles pause under emergency incident mode and maintenance.
	Mutating bool
	// GasTopup additionally pauses under degraded mode unless the incident
	// config allows degraded gas.
	GasTopup bool

	Control ControlPlane
	Cycle   CycleFunc
}

// Runtime runs one role's loop until stopped.
type Runtime struct {
	cfg Config
	id  string
	log log.Logger

	heartbeatEvery time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// WorkerID builds the stable process identity role_chain_pid_hostname.
// The chain segment is omitted for multi-chain roles.
func WorkerID(role, chain string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	parts := []string{role}
	if chain != "" {
		parts = append(parts, chain)
	}
	parts = append(parts, fmt.Sprintf("%d", os.Getpid()), host)
	return strings.Join(parts, "_")
}

// New creates a runtime for one role.
func New(cfg Config) *Runtime {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	id := WorkerID(cfg.Role, cfg.Chain)
	return &Runtime{
		cfg:            cfg,
		id:             id,
		log:            log.New("worker", id),
		heartbeatEvery: 30 * time.Second,
		quit:           make(chan struct{}),
	}
}

// ID returns the worker id cycles should lease under.
func (r *Runtime) ID() string { return r.id }

// Run blocks until Stop is called or ctx is cancelled. It runs the first
// cycle immediately, then on a jittered interval.
func (r *Runtime) Run(ctx context.Context) {
	r.log.Info("Worker starting", "role", r.cfg.Role, "interval", r.cfg.Interval)

	r.wg.Add(1)
	go r.heartbeatLoop(ctx)

	defer r.shutdown()

	for {
		r.runCycle(ctx)

		timer := time.NewTimer(jitter(r.cfg.Interval))
		select {
		case <-timer.C:
		case <-r.quit:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Stop requests a graceful stop; Run returns after the in-flight cycle.
func (r *Runtime) Stop() {
	r.once.Do(func() { close(r.quit) })
}

func (r *Runtime) shutdown() {
	r.Stop()
	r.wg.Wait()

	// The main ctx may already be cancelled; the sweep gets its own bound.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cfg.Control.ReleaseLeasesBy(ctx, r.id); err != nil {
		r.log.Warn("Lease sweep failed on shutdown", "err", err)
	}
	if err := r.cfg.Control.Heartbeat(ctx, r.id, r.cfg.Role, r.cfg.ChainID, "stopped"); err != nil {
		r.log.Warn("Final heartbeat failed", "err", err)
	}
	r.log.Info("Worker stopped")
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	beat := func() {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.cfg.Control.Heartbeat(hctx, r.id, r.cfg.Role, r.cfg.ChainID, "running"); err != nil {
			r.log.Warn("Heartbeat failed", "err", err)
		}
	}
	beat()

	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			beat()
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// paused decides whether a mutating cycle must be skipped and why.
func (r *Runtime) paused(ctx context.Context) (bool, string) {
	if !r.cfg.Mutating {
		return false, ""
	}
	if maint, err := r.cfg.Control.MaintenanceMode(ctx); err != nil {
		r.log.Warn("Maintenance check failed", "err", err)
	} else if maint {
		return true, "maintenance"
	}
	mode, err := r.cfg.Control.IncidentMode(ctx)
	if err != nil {
		r.log.Warn("Incident check failed", "err", err)
		return false, ""
	}
	switch mode.Mode {
	case core.IncidentEmergency:
		return true, "incident_emergency"
	case core.IncidentDegraded:
		if r.cfg.GasTopup && !mode.DegradedGasAllowed {
			return true, "incident_degraded"
		}
	}
	return false, ""
}

func (r *Runtime) runCycle(ctx context.Context) {
	start := time.Now()
	rec := core.ExecutionRecord{
		ID:       uuid.NewString(),
		WorkerID: r.id,
		Type:     r.cfg.Role,
		At:       start,
	}

	if gated, reason := r.paused(ctx); gated {
		rec.Status = CycleSkip
		rec.Metadata = map[string]any{"reason": reason}
		rec.DurationMS = time.Since(start).Milliseconds()
		r.record(rec)
		r.log.Debug("Cycle skipped", "reason", reason)
		return
	}

	res, err := r.cfg.Cycle(ctx)
	rec.DurationMS = time.Since(start).Milliseconds()
	rec.Metadata = res.Metadata
	switch {
	case err != nil:
		rec.Status = CycleFail
		rec.Error = err.Error()
		r.log.Error("Cycle failed", "err", err, "elapsed", time.Since(start))
	case res.Skipped:
		rec.Status = CycleSkip
	default:
		rec.Status = CycleSuccess
		r.log.Debug("Cycle done", "elapsed", time.Since(start))
	}
	r.record(rec)
	metrics.ObserveCycle(r.cfg.Role, rec.Status, time.Since(start))
}

func (r *Runtime) record(rec core.ExecutionRecord) {
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cfg.Control.RecordExecution(rctx, rec); err != nil {
		r.log.Warn("Execution log write failed", "err", err)
	}
}

// jitter spreads an interval by up to ±10% so co-started instances drift
// apart.
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 10
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
