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

// chainops is the worker fleet binary. One process runs one or more roles
// against the shared datastore; processes coordinate through leases and
// compare-and-set transitions, never through each other.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/opencustody/chainops/config"
	"github.com/opencustody/chainops/core"
	"github.com/opencustody/chainops/metrics"
	"github.com/opencustody/chainops/signer"
	"github.com/opencustody/chainops/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML overlay file for worker tuning",
	}
	datastoreFlag = &cli.StringFlag{
		Name:    "datastore.url",
		Usage:   "Postgres connection string",
		EnvVars: []string{"DATASTORE_URL"},
	}
	datastoreKeyFlag = &cli.StringFlag{
		Name:    "datastore.key",
		Usage:   "Datastore credential, kept out of the connection string",
		EnvVars: []string{"DATASTORE_KEY"},
	}
	signerURLFlag = &cli.StringFlag{
		Name:    "signer.url",
		Usage:   "Signer service base URL",
		EnvVars: []string{"SIGNER_BASE_URL"},
	}
	signerKeyFlag = &cli.StringFlag{
		Name:    "signer.key",
		Usage:   "Signer service API key",
		EnvVars: []string{"SIGNER_API_KEY"},
	}
	tronKeyFlag = &cli.StringFlag{
		Name:    "tron.apikey",
		Usage:   "API key sent to the Tron HTTP endpoint",
		EnvVars: []string{"TRON_API_KEY"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "log.level",
		Usage:   "Log level (trace|debug|info|warn|error)",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	}
	metricsFlag = &cli.StringFlag{
		Name:    "metrics.addr",
		Usage:   "Listen address for Prometheus metrics; empty disables",
		EnvVars: []string{"METRICS_ADDR"},
	}
	batchBlocksFlag = &cli.Int64Flag{
		Name:    "batch.blocks",
		Usage:   "Deposit detector block window per cycle",
		Value:   100,
		EnvVars: []string{"BATCH_BLOCK_SIZE"},
	}
	scanIntervalFlag = &cli.Int64Flag{
		Name:    "scan.interval-ms",
		Usage:   "Worker polling interval in milliseconds",
		Value:   5000,
		EnvVars: []string{"SCAN_INTERVAL_MS"},
	}
	gasCapFlag = &cli.Int64Flag{
		Name:    "gas.cap",
		Usage:   "EVM gas price ceiling in gwei",
		Value:   20,
		EnvVars: []string{"GAS_PRICE_CAP_GWEI"},
	}
	rolesFlag = &cli.StringFlag{
		Name:  "roles",
		Usage: "Comma-separated roles to run, or 'all'",
		Value: "all",
	}
)

func main() {
	app := &cli.App{
		Name:  "chainops",
		Usage: "custody chain-interaction worker fleet",
		Flags: []cli.Flag{
			configFlag, datastoreFlag, datastoreKeyFlag, signerURLFlag, signerKeyFlag,
			tronKeyFlag, logLevelFlag, metricsFlag, batchBlocksFlag, scanIntervalFlag,
			gasCapFlag,
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run one or more worker roles in this process",
				Flags:  []cli.Flag{rolesFlag},
				Action: runCmd,
			},
			{
				Name:   "check",
				Usage:  "verify datastore, chain RPC and signer connectivity",
				Action: checkCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chainops:", err)
		os.Exit(1)
	}
}

// loadConfig merges defaults, the optional YAML overlay, and flags. Flags
// win because their env bindings are the primary deployment surface.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		if err := cfg.LoadOverlay(path); err != nil {
			return cfg, err
		}
	}
	if c.IsSet(datastoreFlag.Name) || cfg.DatastoreURL == "" {
		cfg.DatastoreURL = c.String(datastoreFlag.Name)
	}
	if c.IsSet(datastoreKeyFlag.Name) || cfg.DatastoreKey == "" {
		cfg.DatastoreKey = c.String(datastoreKeyFlag.Name)
	}
	if c.IsSet(signerURLFlag.Name) || cfg.SignerBaseURL == "" {
		cfg.SignerBaseURL = c.String(signerURLFlag.Name)
	}
	if c.IsSet(signerKeyFlag.Name) || cfg.SignerAPIKey == "" {
		cfg.SignerAPIKey = c.String(signerKeyFlag.Name)
	}
	if c.IsSet(tronKeyFlag.Name) || cfg.TronAPIKey == "" {
		cfg.TronAPIKey = c.String(tronKeyFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.LogLevel = c.String(logLevelFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		cfg.MetricsAddr = c.String(metricsFlag.Name)
	}
	if c.IsSet(batchBlocksFlag.Name) {
		cfg.BatchBlockSize = c.Int64(batchBlocksFlag.Name)
	}
	if c.IsSet(scanIntervalFlag.Name) {
		cfg.ScanInterval = time.Duration(c.Int64(scanIntervalFlag.Name)) * time.Millisecond
	}
	if c.IsSet(gasCapFlag.Name) {
		cfg.GasPriceCapGwei = c.Int64(gasCapFlag.Name)
	}
	return cfg, cfg.Validate()
}

func setupLogging(level string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", level, err)
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat(false))))
	return nil
}

func parseRoles(raw string) ([]string, error) {
	if raw == "" || raw == "all" {
		return allRoles(), nil
	}
	var out []string
	for _, r := range strings.Split(raw, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !knownRole(r) {
			return nil, fmt.Errorf("unknown role %q (known: %s)", r, strings.Join(allRoles(), ", "))
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no roles selected")
	}
	return out, nil
}

func runCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}
	roles, err := parseRoles(c.String(rolesFlag.Name))
	if err != nil {
		return err
	}
	if cfg.NeedsSigner(roles) && cfg.SignerBaseURL == "" {
		return fmt.Errorf("roles %v need a signer (SIGNER_BASE_URL)", roles)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn, err := cfg.DSN()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := newFleet(ctx, cfg, st)
	if err != nil {
		return err
	}
	runtimes, err := f.build(roles)
	if err != nil {
		return err
	}
	log.Info("Fleet assembled", "roles", strings.Join(roles, ","), "workers", len(runtimes))

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	var g errgroup.Group
	for _, rt := range runtimes {
		rt := rt
		g.Go(func() error {
			rt.Run(ctx)
			return nil
		})
	}
	g.Wait()
	log.Info("Fleet stopped")
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	log.Info("Metrics listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Metrics server failed", "err", err)
	}
}

// checkCmd is the config doctor: it exercises every external dependency a
// fleet would touch and reports per-target status.
func checkCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := 0
	dsn, err := cfg.DSN()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		log.Error("Datastore unreachable", "err", err)
		return fmt.Errorf("check failed")
	}
	defer st.Close()
	log.Info("Datastore ok")

	chains, err := st.ActiveChains(ctx)
	if err != nil {
		return fmt.Errorf("load chains: %w", err)
	}
	f := &fleet{cfg: cfg, st: st}
	for _, ch := range chains {
		ad, err := f.dial(ch)
		if err != nil {
			log.Error("Chain RPC unreachable", "chain", ch.Name, "err", err)
			failed++
			continue
		}
		rctx, rcancel := context.WithTimeout(ctx, 10*time.Second)
		head, err := ad.CurrentBlock(rctx)
		rcancel()
		if err != nil {
			log.Error("Chain head unavailable", "chain", ch.Name, "err", err)
			failed++
			continue
		}
		log.Info("Chain ok", "chain", ch.Name, "head", head)

		// Operation wallets must parse under the chain's address rules
		// before any executor gets to use them.
		for _, role := range []core.WalletRole{core.RoleHot, core.RoleGas} {
			w, err := st.PickOperationWallet(ctx, ch.ID, role)
			if err != nil {
				return fmt.Errorf("pick %s wallet on %s: %w", role, ch.Name, err)
			}
			if w == nil {
				log.Warn("No active operation wallet", "chain", ch.Name, "role", role)
				continue
			}
			if _, err := ad.NormalizeAddress(w.Address); err != nil {
				log.Error("Operation wallet address invalid", "chain", ch.Name, "role", role, "wallet", w.ID, "err", err)
				failed++
			}
		}
	}

	if cfg.SignerBaseURL != "" {
		sg := signer.New(cfg.SignerBaseURL, cfg.SignerAPIKey)
		if err := sg.Health(ctx); err != nil {
			log.Error("Signer unhealthy", "err", err)
			failed++
		} else {
			log.Info("Signer ok")
		}
	} else {
		log.Warn("Signer not configured, mutating roles will refuse to start")
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	log.Info("All checks passed")
	return nil
}
