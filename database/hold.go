/*
Copyright 2025 Tradepost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

// ApplyHoldPlacement inserts a hold and commits the available-to-held
// movement on the funding wallet in the same SQL transaction. The
// partial unique index on (transaction_id) WHERE status = 'ACTIVE'
// rejects a second active hold for the same transaction at the store
// level, so two racing placements cannot both win.
func (d Datasource) ApplyHoldPlacement(ctx context.Context, hold *model.Hold, change BalanceChange) error {
	if hold.HoldID == "" {
		hold.HoldID = model.GenerateUUIDWithPrefix("hld")
	}
	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = time.Now()
	}
	if hold.Status == "" {
		hold.Status = model.HoldActive
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return wrapStoreError(err, "Failed to begin transaction")
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO holds (hold_id, wallet_id, transaction_id, amount, currency, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, hold.HoldID, hold.WalletID, hold.TransactionID, hold.Amount, hold.Currency, hold.Status, hold.CreatedAt, hold.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err, "idx_holds_active_per_transaction") {
			return apierror.NewAPIError(apierror.ErrDuplicateHold,
				fmt.Sprintf("An active hold already exists for transaction '%s'", hold.TransactionID), err)
		}
		if isUniqueViolation(err, "") {
			return apierror.NewAPIError(apierror.ErrConflict, "Hold already recorded", err)
		}
		return wrapStoreError(err, "Failed to record hold")
	}

	if err := applyBalanceChange(ctx, tx, &change); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapStoreError(err, "Failed to commit hold placement")
	}
	change.Wallet.Version++
	return nil
}

// ApplyHoldResolution commits a hold row update together with its
// balance changes in one SQL transaction. The WHERE clause carries the
// expected source status and amount; a concurrent resolver that got
// there first leaves zero rows affected and the loser observes
// HoldNotActive. This is what makes capture, release and expiry
// exactly-once. A partial release passes fromStatus ACTIVE with the
// hold still ACTIVE at the reduced amount.
func (d Datasource) ApplyHoldResolution(ctx context.Context, hold *model.Hold, fromStatus model.HoldStatus, fromAmount int64, changes []BalanceChange) error {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return wrapStoreError(err, "Failed to begin transaction")
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE holds SET status = $2, amount = $3 WHERE hold_id = $1 AND status = $4 AND amount = $5
	`, hold.HoldID, hold.Status, hold.Amount, fromStatus, fromAmount)
	if err != nil {
		return wrapStoreError(err, "Failed to update hold")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError(err, "Failed to update hold")
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrHoldNotActive,
			fmt.Sprintf("Hold '%s' is not in %s status", hold.HoldID, fromStatus), nil)
	}

	for i := range changes {
		if err := applyBalanceChange(ctx, tx, &changes[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapStoreError(err, "Failed to commit hold resolution")
	}
	for i := range changes {
		changes[i].Wallet.Version++
	}
	return nil
}

func scanHold(row *sql.Row) (*model.Hold, error) {
	hold := &model.Hold{}
	err := row.Scan(&hold.HoldID, &hold.WalletID, &hold.TransactionID, &hold.Amount,
		&hold.Currency, &hold.Status, &hold.CreatedAt, &hold.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return hold, nil
}

func (d Datasource) GetHold(ctx context.Context, id string) (*model.Hold, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT hold_id, wallet_id, transaction_id, amount, currency, status, created_at, expires_at
		FROM holds
		WHERE hold_id = $1
	`, id)

	hold, err := scanHold(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Hold with ID '%s' not found", id), err)
		}
		return nil, wrapStoreError(err, "Failed to retrieve hold")
	}
	return hold, nil
}

func (d Datasource) GetActiveHoldByTransaction(ctx context.Context, transactionID string) (*model.Hold, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT hold_id, wallet_id, transaction_id, amount, currency, status, created_at, expires_at
		FROM holds
		WHERE transaction_id = $1 AND status = 'ACTIVE'
	`, transactionID)

	hold, err := scanHold(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("No active hold for transaction '%s'", transactionID), err)
		}
		return nil, wrapStoreError(err, "Failed to retrieve hold")
	}
	return hold, nil
}

// SumActiveHolds totals the amounts currently held against a wallet.
// Reconciliation compares this against the wallet's held column.
func (d Datasource) SumActiveHolds(ctx context.Context, walletID string) (int64, error) {
	var sum sql.NullInt64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM holds WHERE wallet_id = $1 AND status = 'ACTIVE'
	`, walletID).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(err, "Failed to sum active holds")
	}
	return sum.Int64, nil
}
