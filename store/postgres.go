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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/opencustody/chainops/core"
)

// uniqueViolation is the Postgres error code races resolve through.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == uniqueViolation
}

// Postgres implements Store over database/sql with the pq driver.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// Open connects to the datastore and verifies the connection. A failure
// here is a configuration error; callers fail fast.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping datastore: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle, mainly for tests.
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// Close releases the connection pool.
func (s *Postgres) Close() error { return s.db.Close() }

// Ping verifies connectivity, for the startup check command.
func (s *Postgres) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ---- chains and assets ----

func (s *Postgres) ActiveChains(ctx context.Context) ([]core.Chain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, family, rpc_url, confirmation_threshold, block_time_seconds, chain_id, is_active
		FROM chains WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Chain
	for rows.Next() {
		var c core.Chain
		var chainID sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &c.Family, &c.RPCURL, &c.ConfirmationThreshold,
			&c.BlockTimeSeconds, &chainID, &c.IsActive); err != nil {
			return nil, err
		}
		if chainID.Valid {
			v := chainID.Int64
			c.ChainID = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const assetCols = `id, chain_id, asset_id, symbol, COALESCE(contract_address, ''), decimals, is_native, is_active`

func scanAsset(sc interface{ Scan(...any) error }) (*core.AssetOnChain, error) {
	var a core.AssetOnChain
	if err := sc.Scan(&a.ID, &a.ChainID, &a.AssetID, &a.Symbol, &a.ContractAddress,
		&a.Decimals, &a.IsNative, &a.IsActive); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) ActiveAssets(ctx context.Context, chainID int64) ([]core.AssetOnChain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetCols+` FROM assets_on_chain WHERE chain_id = $1 AND is_active ORDER BY id`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AssetOnChain
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Postgres) AssetByID(ctx context.Context, id int64) (*core.AssetOnChain, error) {
	a, err := scanAsset(s.db.QueryRowContext(ctx,
		`SELECT `+assetCols+` FROM assets_on_chain WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *Postgres) NativeAsset(ctx context.Context, chainID int64) (*core.AssetOnChain, error) {
	a, err := scanAsset(s.db.QueryRowContext(ctx,
		`SELECT `+assetCols+` FROM assets_on_chain WHERE chain_id = $1 AND is_native AND is_active`, chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ---- wallets ----

func (s *Postgres) ActiveUserAddresses(ctx context.Context, chainID int64) ([]core.UserWallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, chain_id, address, wallet_group_id, derivation_index, is_active
		FROM user_wallet_addresses WHERE chain_id = $1 AND is_active`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.UserWallet
	for rows.Next() {
		var w core.UserWallet
		if err := rows.Scan(&w.ID, &w.UID, &w.ChainID, &w.Address, &w.WalletGroupID,
			&w.DerivationIndex, &w.IsActive); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Postgres) UserWalletByID(ctx context.Context, id int64) (*core.UserWallet, error) {
	var w core.UserWallet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uid, chain_id, address, wallet_group_id, derivation_index, is_active
		FROM user_wallet_addresses WHERE id = $1`, id).
		Scan(&w.ID, &w.UID, &w.ChainID, &w.Address, &w.WalletGroupID, &w.DerivationIndex, &w.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Postgres) OperationWalletByID(ctx context.Context, id int64) (*core.OperationWallet, error) {
	var w core.OperationWallet
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chain_id, role, wallet_group_id, derivation_index, address, is_active, last_used_at
		FROM operation_wallet_addresses WHERE id = $1`, id).
		Scan(&w.ID, &w.ChainID, &w.Role, &w.WalletGroupID, &w.DerivationIndex, &w.Address, &w.IsActive, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		w.LastUsedAt = &lastUsed.Time
	}
	return &w, nil
}

func (s *Postgres) WalletAddress(ctx context.Context, walletID int64) (string, int64, bool, bool, error) {
	if w, err := s.UserWalletByID(ctx, walletID); err != nil {
		return "", 0, false, false, err
	} else if w != nil {
		return w.Address, w.ChainID, true, true, nil
	}
	if w, err := s.OperationWalletByID(ctx, walletID); err != nil {
		return "", 0, false, false, err
	} else if w != nil {
		return w.Address, w.ChainID, false, true, nil
	}
	return "", 0, false, false, nil
}

func (s *Postgres) PickOperationWallet(ctx context.Context, chainID int64, role core.WalletRole) (*core.OperationWallet, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM operation_wallet_addresses
		WHERE chain_id = $1 AND role = $2 AND is_active
		ORDER BY last_used_at ASC NULLS FIRST, id ASC LIMIT 1`, chainID, role).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.OperationWalletByID(ctx, id)
}

func (s *Postgres) TouchOperationWallet(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE operation_wallet_addresses SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// ---- detector cursor ----

func (s *Postgres) LastProcessedBlock(ctx context.Context, chainID int64) (int64, bool, error) {
	var block int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed_block FROM worker_chain_state WHERE chain_id = $1`, chainID).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return block, true, nil
}

func (s *Postgres) SetLastProcessedBlock(ctx context.Context, chainID, block int64) error {
	// The GREATEST guard keeps the cursor monotonic under concurrent
	// detectors (P4).
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_chain_state (chain_id, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain_id) DO UPDATE
		SET last_processed_block = GREATEST(worker_chain_state.last_processed_block, EXCLUDED.last_processed_block),
		    updated_at = now()`, chainID, block)
	return err
}

// ---- deposits ----

const depositCols = `id, chain_id, asset_on_chain_id, uid, from_address, to_address,
	amount_raw, amount_human, tx_hash, log_index, block_number, first_seen_block,
	status, confirmations, confirmed_at, credited_at`

func scanDeposit(sc interface{ Scan(...any) error }) (*core.Deposit, error) {
	var d core.Deposit
	var confirmedAt, creditedAt sql.NullTime
	if err := sc.Scan(&d.ID, &d.ChainID, &d.AssetOnChainID, &d.UID, &d.FromAddress, &d.ToAddress,
		&d.AmountRaw, &d.AmountHuman, &d.TxHash, &d.LogIndex, &d.BlockNumber, &d.FirstSeenBlock,
		&d.Status, &d.Confirmations, &confirmedAt, &creditedAt); err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		d.ConfirmedAt = &confirmedAt.Time
	}
	if creditedAt.Valid {
		d.CreditedAt = &creditedAt.Time
	}
	return &d, nil
}

func (s *Postgres) DepositExists(ctx context.Context, txHash string, logIndex uint) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deposits WHERE tx_hash = $1 AND log_index = $2`, txHash, logIndex).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Postgres) InsertDeposit(ctx context.Context, d *core.Deposit) (bool, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO deposits (chain_id, asset_on_chain_id, uid, from_address, to_address,
			amount_raw, amount_human, tx_hash, log_index, block_number, first_seen_block,
			status, confirmations)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		d.ChainID, d.AssetOnChainID, d.UID, d.FromAddress, d.ToAddress,
		d.AmountRaw, d.AmountHuman, d.TxHash, d.LogIndex, d.BlockNumber, d.FirstSeenBlock,
		d.Status, d.Confirmations).Scan(&d.ID)
	if IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Postgres) DueDeposits(ctx context.Context, chainID int64, limit int) ([]core.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+depositCols+` FROM deposits
		WHERE chain_id = $1
		  AND (status = 'pending' OR (status = 'confirmed' AND credited_at IS NULL))
		ORDER BY block_number ASC, id ASC LIMIT $2`, chainID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Postgres) DepositByID(ctx context.Context, id int64) (*core.Deposit, error) {
	d, err := scanDeposit(s.db.QueryRowContext(ctx,
		`SELECT `+depositCols+` FROM deposits WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *Postgres) UpdateDepositConfirmations(ctx context.Context, id, confirmations int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deposits SET confirmations = $2 WHERE id = $1 AND status = 'pending'`, id, confirmations)
	return err
}

func (s *Postgres) MarkDepositConfirmed(ctx context.Context, id, confirmations int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deposits SET status = 'confirmed', confirmations = $2, confirmed_at = now()
		WHERE id = $1 AND status = 'pending'`, id, confirmations)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) MarkDepositCredited(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deposits SET credited_at = now() WHERE id = $1 AND credited_at IS NULL`, id)
	return err
}

// ---- credit ledger ----

func (s *Postgres) Credit(ctx context.Context, uid string, assetID int64, amountHuman string) error {
	_, err := s.db.ExecContext(ctx, `SELECT credit($1, $2, $3)`, uid, assetID, amountHuman)
	return err
}

// ---- wallet balances and leases ----

const balanceCols = `id, wallet_id, asset_on_chain_id,
	on_chain_balance_raw, on_chain_balance_human, processing_status,
	locked_until, locked_by, consolidation_locked_until, consolidation_locked_by,
	gas_locked_until, gas_locked_by,
	needs_consolidation, COALESCE(consolidation_priority, ''), needs_gas, COALESCE(gas_priority, ''),
	sync_count, error_count, COALESCE(last_error, ''),
	last_checked, last_processed_at, last_consolidation_at`

func scanBalance(sc interface{ Scan(...any) error }) (*core.WalletBalance, error) {
	var b core.WalletBalance
	var lockedUntil, consLockedUntil, gasLockedUntil sql.NullTime
	var lockedBy, consLockedBy, gasLockedBy sql.NullString
	var lastChecked, lastProcessed, lastConsolidation sql.NullTime
	if err := sc.Scan(&b.ID, &b.WalletID, &b.AssetOnChainID,
		&b.RawBalance, &b.HumanBalance, &b.Processing,
		&lockedUntil, &lockedBy, &consLockedUntil, &consLockedBy,
		&gasLockedUntil, &gasLockedBy,
		&b.NeedsConsolidation, &b.ConsolidationPriority, &b.NeedsGas, &b.GasPriority,
		&b.SyncCount, &b.ErrorCount, &b.LastError,
		&lastChecked, &lastProcessed, &lastConsolidation); err != nil {
		return nil, err
	}
	setLease := func(l *core.Lease, until sql.NullTime, by sql.NullString) {
		if until.Valid {
			t := until.Time
			l.LockedUntil = &t
		}
		l.LockedBy = by.String
	}
	setLease(&b.General, lockedUntil, lockedBy)
	setLease(&b.Consolidation, consLockedUntil, consLockedBy)
	setLease(&b.Gas, gasLockedUntil, gasLockedBy)
	if lastChecked.Valid {
		b.LastChecked = &lastChecked.Time
	}
	if lastProcessed.Valid {
		b.LastProcessedAt = &lastProcessed.Time
	}
	if lastConsolidation.Valid {
		b.LastConsolidationAt = &lastConsolidation.Time
	}
	return &b, nil
}

func (s *Postgres) SyncCandidates(ctx context.Context, limit int) ([]core.WalletBalance, error) {
	// No wallet-kind filter: operation wallets are synced too.
	return s.balanceRows(ctx, `
		SELECT `+balanceCols+` FROM wallet_balances
		WHERE processing_status = 'idle'
		  AND (locked_until IS NULL OR locked_until < now())
		ORDER BY last_checked ASC NULLS FIRST LIMIT $1`, limit)
}

func (s *Postgres) PlanningCandidates(ctx context.Context, limit int) ([]core.WalletBalance, error) {
	// The planner operates on user wallets only (P7); membership is
	// re-checked per row after the lease as defence in depth.
	return s.balanceRows(ctx, `
		SELECT `+balanceCols+` FROM wallet_balances
		WHERE processing_status = 'idle'
		  AND (locked_until IS NULL OR locked_until < now())
		  AND on_chain_balance_raw <> '0'
		  AND wallet_id IN (SELECT id FROM user_wallet_addresses WHERE is_active)
		ORDER BY last_processed_at ASC NULLS FIRST LIMIT $1`, limit)
}

func (s *Postgres) balanceRows(ctx context.Context, query string, args ...any) ([]core.WalletBalance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.WalletBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *Postgres) AcquireGeneralLease(ctx context.Context, ids []int64, workerID string, ttl time.Duration, status core.ProcessingStatus) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE wallet_balances
		SET locked_until = now() + $3 * interval '1 second', locked_by = $2, processing_status = $4
		WHERE id = ANY($1)
		  AND processing_status = 'idle'
		  AND (locked_until IS NULL OR locked_until < now())
		RETURNING id`, pq.Array(ids), workerID, int64(ttl.Seconds()), status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var won []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		won = append(won, id)
	}
	return won, rows.Err()
}

func (s *Postgres) ReleaseGeneralLease(ctx context.Context, id int64, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallet_balances
		SET locked_until = NULL, locked_by = NULL, processing_status = 'idle'
		WHERE id = $1 AND locked_by = $2`, id, workerID)
	return err
}

// opLeaseCols maps a lease family to its column pair.
func opLeaseCols(family core.LeaseFamily) (until, by string, err error) {
	switch family {
	case core.LeaseConsolidation:
		return "consolidation_locked_until", "consolidation_locked_by", nil
	case core.LeaseGas:
		return "gas_locked_until", "gas_locked_by", nil
	case core.LeaseGeneral:
		return "locked_until", "locked_by", nil
	}
	return "", "", fmt.Errorf("unknown lease family %q", family)
}

func (s *Postgres) AcquireOpLease(ctx context.Context, family core.LeaseFamily, id int64, workerID string, ttl time.Duration) (bool, error) {
	until, by, err := opLeaseCols(family)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE wallet_balances
		SET %[1]s = now() + $3 * interval '1 second', %[2]s = $2
		WHERE id = $1 AND (%[1]s IS NULL OR %[1]s < now())`, until, by),
		id, workerID, int64(ttl.Seconds()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) ReleaseOpLease(ctx context.Context, family core.LeaseFamily, id int64) error {
	until, by, err := opLeaseCols(family)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE wallet_balances SET %s = NULL, %s = NULL WHERE id = $1`, until, by), id)
	return err
}

func (s *Postgres) ReleaseLeasesBy(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallet_balances SET
			locked_until = CASE WHEN locked_by = $1 THEN NULL ELSE locked_until END,
			locked_by    = CASE WHEN locked_by = $1 THEN NULL ELSE locked_by END,
			processing_status = CASE WHEN locked_by = $1 THEN 'idle' ELSE processing_status END,
			consolidation_locked_until = CASE WHEN consolidation_locked_by = $1 THEN NULL ELSE consolidation_locked_until END,
			consolidation_locked_by    = CASE WHEN consolidation_locked_by = $1 THEN NULL ELSE consolidation_locked_by END,
			gas_locked_until = CASE WHEN gas_locked_by = $1 THEN NULL ELSE gas_locked_until END,
			gas_locked_by    = CASE WHEN gas_locked_by = $1 THEN NULL ELSE gas_locked_by END
		WHERE locked_by = $1 OR consolidation_locked_by = $1 OR gas_locked_by = $1`, workerID)
	return err
}

func (s *Postgres) WalletBalanceByID(ctx context.Context, id int64) (*core.WalletBalance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx,
		`SELECT `+balanceCols+` FROM wallet_balances WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *Postgres) NativeBalanceRow(ctx context.Context, walletID int64) (*core.WalletBalance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx, `
		SELECT `+balanceCols+` FROM wallet_balances
		WHERE wallet_id = $1
		  AND asset_on_chain_id IN (SELECT id FROM assets_on_chain WHERE is_native)`, walletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *Postgres) WriteSyncedBalance(ctx context.Context, id int64, raw, human string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallet_balances
		SET on_chain_balance_raw = $2, on_chain_balance_human = $3,
		    sync_count = sync_count + 1, last_checked = now(), last_error = NULL
		WHERE id = $1`, id, raw, human)
	return err
}

func (s *Postgres) RecordRowError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallet_balances
		SET last_error = $2, error_count = error_count + 1
		WHERE id = $1`, id, msg)
	return err
}

func (s *Postgres) SetPlannerFlags(ctx context.Context, id int64, needsConsolidation bool, consolidationPriority string, needsGas bool, gasPriority string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallet_balances
		SET needs_consolidation = $2, consolidation_priority = NULLIF($3, ''),
		    needs_gas = $4, gas_priority = NULLIF($5, ''),
		    last_processed_at = now(), last_error = NULL
		WHERE id = $1`, id, needsConsolidation, consolidationPriority, needsGas, gasPriority)
	return err
}

func (s *Postgres) SetNeedsGas(ctx context.Context, id int64, needsGas bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wallet_balances SET needs_gas = $2 WHERE id = $1`, id, needsGas)
	return err
}

func (s *Postgres) SetConsolidationDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallet_balances
		SET needs_consolidation = false, last_consolidation_at = now()
		WHERE id = $1`, id)
	return err
}

// ---- rules ----

func (s *Postgres) ConsolidationRules(ctx context.Context, chainID, assetOnChainID int64) ([]core.Rule, error) {
	return s.ruleRows(ctx, `
		SELECT id, chain_id, asset_on_chain_id, operator, threshold, COALESCE(priority, 'normal'), '', metadata
		FROM consolidation_rules
		WHERE chain_id = $1 AND asset_on_chain_id = $2 AND is_active
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 WHEN 'low' THEN 2 ELSE 3 END, id`,
		chainID, assetOnChainID)
}

func (s *Postgres) GasTopupRules(ctx context.Context, chainID, gasAssetID int64) ([]core.Rule, error) {
	return s.ruleRows(ctx, `
		SELECT id, chain_id, gas_asset_id, operator, threshold, COALESCE(priority, 'normal'),
		       COALESCE(topup_amount_human, ''), metadata
		FROM gas_topup_rules
		WHERE chain_id = $1 AND gas_asset_id = $2 AND is_active
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 WHEN 'low' THEN 2 ELSE 3 END, id`,
		chainID, gasAssetID)
}

func (s *Postgres) ruleRows(ctx context.Context, query string, args ...any) ([]core.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Rule
	for rows.Next() {
		var r core.Rule
		var meta []byte
		if err := rows.Scan(&r.ID, &r.ChainID, &r.AssetOnChainID, &r.Operator, &r.Threshold,
			&r.Priority, &r.TopupAmountHuman, &meta); err != nil {
			return nil, err
		}
		r.IsActive = true
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendRuleLog(ctx context.Context, kind core.QueueKind, l core.RuleLog) error {
	table := "consolidation_rule_logs"
	if kind == core.QueueGasTopup {
		table = "gas_topup_rule_logs"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (rule_id, wallet_balance_id, balance, operator, threshold, matched, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())`, table),
		l.RuleID, l.WalletBalanceID, l.Balance, l.Operator, l.Threshold, l.Matched, l.Detail)
	return err
}

// ---- execution queues ----

// queueSpec maps a QueueKind onto its table shape.
type queueSpec struct {
	table       string
	amountRaw   string
	amountHuman string
	uniqueCol   string // active-uniqueness key column (wallet_balance_id or withdrawal_request_id)
}

func specFor(kind core.QueueKind) (queueSpec, error) {
	switch kind {
	case core.QueueConsolidation:
		return queueSpec{"consolidation_queue", "amount_raw", "amount_human", "wallet_balance_id"}, nil
	case core.QueueGasTopup:
		return queueSpec{"gas_topup_queue", "topup_amount_raw", "topup_amount_human", "wallet_balance_id"}, nil
	case core.QueueWithdrawal:
		return queueSpec{"withdrawal_queue", "amount_raw", "amount_human", "withdrawal_request_id"}, nil
	}
	return queueSpec{}, fmt.Errorf("unknown queue kind %q", kind)
}

func (q queueSpec) cols() string {
	return fmt.Sprintf(`id, chain_id, asset_on_chain_id, wallet_id, wallet_balance_id,
		COALESCE(destination_wallet_id, 0), COALESCE(withdrawal_request_id, 0), COALESCE(to_address, ''),
		%s, %s, status, COALESCE(priority, 'normal'), COALESCE(tx_hash, ''),
		retry_count, max_retries, COALESCE(error_message, ''), scheduled_at, processed_at,
		COALESCE(gas_used, ''), COALESCE(gas_price, '')`, q.amountRaw, q.amountHuman)
}

func scanJob(kind core.QueueKind, sc interface{ Scan(...any) error }) (*core.Job, error) {
	var j core.Job
	var processedAt sql.NullTime
	if err := sc.Scan(&j.ID, &j.ChainID, &j.AssetOnChainID, &j.WalletID, &j.WalletBalanceID,
		&j.DestinationID, &j.WithdrawalRequestID, &j.ToAddress,
		&j.AmountRaw, &j.AmountHuman, &j.Status, &j.Priority, &j.TxHash,
		&j.RetryCount, &j.MaxRetries, &j.ErrorMessage, &j.ScheduledAt, &processedAt,
		&j.GasUsed, &j.GasPrice); err != nil {
		return nil, err
	}
	j.Kind = kind
	if processedAt.Valid {
		j.ProcessedAt = &processedAt.Time
	}
	return &j, nil
}

func (s *Postgres) EnqueueJob(ctx context.Context, j *core.Job) (bool, error) {
	q, err := specFor(j.Kind)
	if err != nil {
		return false, err
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = core.MaxJobRetries
	}
	key := j.WalletBalanceID
	if j.Kind == core.QueueWithdrawal {
		key = j.WithdrawalRequestID
	}
	exists, err := s.ActiveJobExists(ctx, j.Kind, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (chain_id, asset_on_chain_id, wallet_id, wallet_balance_id,
			destination_wallet_id, withdrawal_request_id, to_address,
			%s, %s, status, priority, retry_count, max_retries, scheduled_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,0),NULLIF($7,''),$8,$9,'pending',$10,0,$11,now())
		RETURNING id`, q.table, q.amountRaw, q.amountHuman),
		j.ChainID, j.AssetOnChainID, j.WalletID, j.WalletBalanceID,
		j.DestinationID, j.WithdrawalRequestID, j.ToAddress,
		j.AmountRaw, j.AmountHuman, j.Priority, j.MaxRetries).Scan(&j.ID)
	// A concurrent enqueue landing first trips the partial unique index;
	// absorbed silently per the idempotent-enqueue contract (P5).
	if IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	j.Status = core.JobPending
	return true, nil
}

func (s *Postgres) ActiveJobExists(ctx context.Context, kind core.QueueKind, key int64) (bool, error) {
	q, err := specFor(kind)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT 1 FROM %s WHERE %s = $1 AND status IN ('pending','processing','confirming') LIMIT 1`,
		q.table, q.uniqueCol), key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Postgres) DueJobs(ctx context.Context, kind core.QueueKind, chainID int64, limit int) ([]core.Job, error) {
	q, err := specFor(kind)
	if err != nil {
		return nil, err
	}
	return s.jobRows(ctx, kind, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE chain_id = $1 AND status IN ('pending','confirming') AND scheduled_at <= now()
		ORDER BY scheduled_at ASC LIMIT $2`, q.cols(), q.table), chainID, limit)
}

func (s *Postgres) ConfirmingJobs(ctx context.Context, kind core.QueueKind, chainID int64, limit int) ([]core.Job, error) {
	q, err := specFor(kind)
	if err != nil {
		return nil, err
	}
	return s.jobRows(ctx, kind, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE chain_id = $1 AND status = 'confirming' AND tx_hash IS NOT NULL AND scheduled_at <= now()
		ORDER BY scheduled_at ASC LIMIT $2`, q.cols(), q.table), chainID, limit)
}

func (s *Postgres) jobRows(ctx context.Context, kind core.QueueKind, query string, args ...any) ([]core.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Job
	for rows.Next() {
		j, err := scanJob(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Postgres) JobByID(ctx context.Context, kind core.QueueKind, id int64) (*core.Job, error) {
	q, err := specFor(kind)
	if err != nil {
		return nil, err
	}
	j, err := scanJob(kind, s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, q.cols(), q.table), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *Postgres) MarkJobProcessing(ctx context.Context, kind core.QueueKind, id int64) (bool, error) {
	q, err := specFor(kind)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'processing' WHERE id = $1 AND status = 'pending'`, q.table), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) MarkJobBroadcast(ctx context.Context, kind core.QueueKind, id int64, txHash string) (bool, error) {
	q, err := specFor(kind)
	if err != nil {
		return false, err
	}
	// tx_hash IS NULL gates the flip: once a hash exists it never changes
	// (P2).
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'confirming', tx_hash = $2
		WHERE id = $1 AND tx_hash IS NULL AND status <> 'failed'`, q.table), id, txHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) MarkJobConfirming(ctx context.Context, kind core.QueueKind, id int64) error {
	q, err := specFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'confirming'
		WHERE id = $1 AND tx_hash IS NOT NULL AND status IN ('pending','processing')`, q.table), id)
	return err
}

func (s *Postgres) RescheduleJob(ctx context.Context, kind core.QueueKind, id int64, errMsg string, retryCount int, at time.Time) error {
	q, err := specFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'pending', retry_count = $2, error_message = $3, scheduled_at = $4
		WHERE id = $1 AND status <> 'failed'`, q.table), id, retryCount, errMsg, at)
	return err
}

func (s *Postgres) FailJob(ctx context.Context, kind core.QueueKind, id int64, errMsg string) error {
	q, err := specFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'failed', error_message = $2, processed_at = now()
		WHERE id = $1`, q.table), id, errMsg)
	return err
}

func (s *Postgres) ConfirmJob(ctx context.Context, kind core.QueueKind, id int64, gasUsed, gasPrice string) error {
	q, err := specFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'confirmed', processed_at = now(),
			gas_used = NULLIF($2, ''), gas_price = NULLIF($3, '')
		WHERE id = $1 AND status = 'confirming'`, q.table), id, gasUsed, gasPrice)
	return err
}

func (s *Postgres) SetJobScheduledAt(ctx context.Context, kind core.QueueKind, id int64, at time.Time) error {
	q, err := specFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET scheduled_at = $2 WHERE id = $1`, q.table), id, at)
	return err
}

// ---- withdrawal intents ----

func (s *Postgres) ApprovedRequests(ctx context.Context, chainID int64, limit int) ([]core.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uid, chain_id, asset_on_chain_id, to_address, amount_raw, amount_human, status, COALESCE(final_tx_hash, '')
		FROM withdrawal_requests
		WHERE chain_id = $1 AND status = 'approved'
		ORDER BY id ASC LIMIT $2`, chainID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.WithdrawalRequest
	for rows.Next() {
		var r core.WithdrawalRequest
		if err := rows.Scan(&r.ID, &r.UID, &r.ChainID, &r.AssetOnChainID, &r.ToAddress,
			&r.AmountRaw, &r.AmountHuman, &r.Status, &r.FinalTxHash); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkRequestQueued(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = 'queued' WHERE id = $1 AND status = 'approved'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) CompleteRequest(ctx context.Context, id int64, finalTxHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = 'completed', final_tx_hash = $2 WHERE id = $1`, id, finalTxHash)
	return err
}

func (s *Postgres) FailRequest(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE withdrawal_requests SET status = 'failed' WHERE id = $1`, id)
	return err
}

// ---- funder advisory lock ----

func (s *Postgres) LockFunder(ctx context.Context, key string) (func(), error) {
	// Advisory locks are session scoped, so the lock must live on one
	// pinned connection for its whole critical section.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `SELECT lock_evm_funder($1)`, key); err != nil {
		conn.Close()
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT unlock_evm_funder($1)`, key)
		conn.Close()
	}, nil
}

// ---- control plane ----

func (s *Postgres) Heartbeat(ctx context.Context, workerID, role string, chainID *int64, state string) error {
	var cid sql.NullInt64
	if chainID != nil {
		cid = sql.NullInt64{Int64: *chainID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_status (worker_id, role, chain_id, state, last_heartbeat)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (worker_id) DO UPDATE
		SET role = EXCLUDED.role, chain_id = EXCLUDED.chain_id,
		    state = EXCLUDED.state, last_heartbeat = now()`,
		workerID, role, cid, state)
	return err
}

func (s *Postgres) IncidentMode(ctx context.Context) (core.IncidentMode, error) {
	mode := core.IncidentMode{Mode: core.IncidentNormal}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM worker_configs WHERE key = 'incident_mode'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return mode, nil
	}
	if err != nil {
		return mode, err
	}
	var body struct {
		Mode               string `json:"mode"`
		DegradedGasAllowed bool   `json:"degraded_gas_allowed"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return mode, fmt.Errorf("bad incident_mode config: %w", err)
	}
	if body.Mode != "" {
		mode.Mode = body.Mode
	}
	mode.DegradedGasAllowed = body.DegradedGasAllowed
	return mode, nil
}

func (s *Postgres) MaintenanceMode(ctx context.Context) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM worker_configs WHERE key = 'maintenance'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return false, fmt.Errorf("bad maintenance config: %w", err)
	}
	return body.Enabled, nil
}

func (s *Postgres) RecordExecution(ctx context.Context, rec core.ExecutionRecord) error {
	var meta []byte
	if rec.Metadata != nil {
		meta, _ = json.Marshal(rec.Metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_executions (id, worker_id, type, status, duration_ms, error, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8)`,
		rec.ID, rec.WorkerID, rec.Type, rec.Status, rec.DurationMS, rec.Error, meta, rec.At)
	return err
}
