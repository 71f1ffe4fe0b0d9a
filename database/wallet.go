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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

// CreateWallet inserts a wallet row. Owner and currency pairs are
// unique; a second wallet for the same pair reports a conflict.
func (d Datasource) CreateWallet(ctx context.Context, wallet model.Wallet) (model.Wallet, error) {
	metaDataJSON, err := json.Marshal(wallet.MetaData)
	if err != nil {
		return model.Wallet{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	wallet.WalletID = model.GenerateUUIDWithPrefix("wlt")
	wallet.CreatedAt = time.Now()
	if wallet.Status == "" {
		wallet.Status = model.WalletActive
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO wallets (wallet_id, owner_id, currency, available, held, status, version, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`, wallet.WalletID, wallet.OwnerID, wallet.Currency, wallet.Available, wallet.Held, wallet.Status, wallet.CreatedAt, metaDataJSON)
	if err != nil {
		if isUniqueViolation(err, "") {
			return model.Wallet{}, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("Wallet for owner '%s' in %s already exists", wallet.OwnerID, wallet.Currency), err)
		}
		return model.Wallet{}, wrapStoreError(err, "Failed to create wallet")
	}

	return wallet, nil
}

func scanWallet(row *sql.Row) (*model.Wallet, error) {
	wallet := &model.Wallet{}
	var metaDataJSON []byte
	err := row.Scan(&wallet.WalletID, &wallet.OwnerID, &wallet.Currency, &wallet.Available, &wallet.Held,
		&wallet.Status, &wallet.Version, &wallet.CreatedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &wallet.MetaData); err != nil {
			return nil, err
		}
	}
	return wallet, nil
}

func (d Datasource) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT wallet_id, owner_id, currency, available, held, status, version, created_at, meta_data
		FROM wallets
		WHERE wallet_id = $1
	`, id)

	wallet, err := scanWallet(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Wallet with ID '%s' not found", id), err)
		}
		return nil, wrapStoreError(err, "Failed to retrieve wallet")
	}
	return wallet, nil
}

func (d Datasource) GetWalletByOwner(ctx context.Context, ownerID, currency string) (*model.Wallet, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT wallet_id, owner_id, currency, available, held, status, version, created_at, meta_data
		FROM wallets
		WHERE owner_id = $1 AND currency = $2
	`, ownerID, currency)

	wallet, err := scanWallet(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound,
				fmt.Sprintf("Wallet for owner '%s' in %s not found", ownerID, currency), err)
		}
		return nil, wrapStoreError(err, "Failed to retrieve wallet")
	}
	return wallet, nil
}

func (d Datasource) UpdateWalletStatus(ctx context.Context, id string, status model.WalletStatus) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE wallets SET status = $2 WHERE wallet_id = $1
	`, id, status)
	if err != nil {
		return wrapStoreError(err, "Failed to update wallet status")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError(err, "Failed to update wallet status")
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Wallet with ID '%s' not found", id), nil)
	}
	return nil
}

// ApplyBalanceChanges commits a set of wallet mutations and their
// ledger entries in one SQL transaction. Either everything lands or
// nothing does; a balance column can never drift from the entry log.
//
// Two constraints guard correctness under concurrency and retries:
// the optimistic version check on wallets (a writer that lost the race
// affects zero rows and the whole operation rolls back) and the
// (wallet_id, transaction_ref, reason) uniqueness on entries (a retry
// of an already-applied operation rolls back with a conflict, which
// callers treat as "already done").
func (d Datasource) ApplyBalanceChanges(ctx context.Context, changes []BalanceChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return wrapStoreError(err, "Failed to begin transaction")
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for i := range changes {
		if err := applyBalanceChange(ctx, tx, &changes[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapStoreError(err, "Failed to commit ledger operation")
	}

	for i := range changes {
		changes[i].Wallet.Version++
	}
	return nil
}

func applyBalanceChange(ctx context.Context, tx *sql.Tx, change *BalanceChange) error {
	if entry := change.Entry; entry != nil {
		if entry.EntryID == "" {
			entry.EntryID = model.GenerateUUIDWithPrefix("ent")
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		entry.WalletID = change.Wallet.WalletID
		entry.Currency = change.Wallet.Currency

		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (entry_id, wallet_id, amount, currency, reason, transaction_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, entry.EntryID, entry.WalletID, entry.Amount, entry.Currency, entry.Reason, entry.TransactionRef, entry.CreatedAt)
		if err != nil {
			if isUniqueViolation(err, "") {
				return apierror.NewAPIError(apierror.ErrConflict,
					fmt.Sprintf("Ledger operation %s/%s already applied to wallet '%s'", entry.TransactionRef, entry.Reason, entry.WalletID), err)
			}
			return wrapStoreError(err, "Failed to append ledger entry")
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET available = $2, held = $3, version = version + 1
		WHERE wallet_id = $1 AND version = $4
	`, change.Wallet.WalletID, change.Wallet.Available, change.Wallet.Held, change.Wallet.Version)
	if err != nil {
		return wrapStoreError(err, "Failed to update wallet balances")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError(err, "Failed to update wallet balances")
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Wallet '%s' was modified concurrently", change.Wallet.WalletID), nil)
	}
	return nil
}

func (d Datasource) GetLedgerEntries(ctx context.Context, walletID string, limit, offset int) ([]model.LedgerEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT entry_id, wallet_id, amount, currency, reason, transaction_ref, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve ledger entries")
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []model.LedgerEntry
	for rows.Next() {
		entry := model.LedgerEntry{}
		if err := rows.Scan(&entry.EntryID, &entry.WalletID, &entry.Amount, &entry.Currency,
			&entry.Reason, &entry.TransactionRef, &entry.CreatedAt); err != nil {
			return nil, wrapStoreError(err, "Failed to scan ledger entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve ledger entries")
	}
	return entries, nil
}

// SumLedgerEntries recomputes a wallet's available balance from the
// entry log. Entries record available-balance deltas; the held column
// is derivable separately from the wallet's active holds. Reconciliation
// compares the entry sum against the available column and the two must
// always agree.
func (d Datasource) SumLedgerEntries(ctx context.Context, walletID string) (int64, error) {
	var sum sql.NullInt64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM ledger_entries WHERE wallet_id = $1
	`, walletID).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(err, "Failed to sum ledger entries")
	}
	return sum.Int64, nil
}
