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

	"go.opentelemetry.io/otel"

	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

const transactionColumns = `transaction_id, listing_ref, buyer_id, seller_id, buyer_wallet_id, seller_wallet_id,
		amount, currency, fee_amount, status, hold_id, dispute_id, idempotency_key,
		created_at, escrow_held_at, closed_at, meta_data`

func (d Datasource) RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := otel.Tracer("escrow.transaction").Start(ctx, "Saving transaction to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	if txn.TransactionID == "" {
		txn.TransactionID = model.GenerateUUIDWithPrefix("txn")
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, listing_ref, buyer_id, seller_id, buyer_wallet_id, seller_wallet_id,
			amount, currency, fee_amount, status, hold_id, dispute_id, idempotency_key, created_at, escrow_held_at, closed_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, txn.TransactionID, txn.ListingRef, txn.BuyerID, txn.SellerID, nullString(txn.BuyerWalletID), nullString(txn.SellerWalletID),
		txn.Amount, txn.Currency, txn.FeeAmount, txn.Status, nullString(txn.HoldID), nullString(txn.DisputeID),
		nullString(txn.IdempotencyKey), txn.CreatedAt, txn.EscrowHeldAt, txn.ClosedAt, metaDataJSON)
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("Idempotency key '%s' already used", txn.IdempotencyKey), err)
		}
		return nil, wrapStoreError(err, "Failed to record transaction")
	}

	return txn, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanTransaction(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var metaDataJSON []byte
	var buyerWallet, sellerWallet, holdID, disputeID, idempotencyKey sql.NullString
	var escrowHeldAt, closedAt sql.NullTime
	err := scanner.Scan(&txn.TransactionID, &txn.ListingRef, &txn.BuyerID, &txn.SellerID, &buyerWallet, &sellerWallet,
		&txn.Amount, &txn.Currency, &txn.FeeAmount, &txn.Status, &holdID, &disputeID, &idempotencyKey,
		&txn.CreatedAt, &escrowHeldAt, &closedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}
	if escrowHeldAt.Valid {
		txn.EscrowHeldAt = &escrowHeldAt.Time
	}
	if closedAt.Valid {
		txn.ClosedAt = &closedAt.Time
	}
	txn.BuyerWalletID = buyerWallet.String
	txn.SellerWalletID = sellerWallet.String
	txn.HoldID = holdID.String
	txn.DisputeID = disputeID.String
	txn.IdempotencyKey = idempotencyKey.String
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, err
		}
	}
	return txn, nil
}

func (d Datasource) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE transaction_id = $1
	`, id)

	txn, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", id), err)
		}
		return nil, wrapStoreError(err, "Failed to retrieve transaction")
	}
	return txn, nil
}

func (d Datasource) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE idempotency_key = $1
	`, key)

	txn, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No transaction with idempotency key '%s'", key), err)
		}
		return nil, wrapStoreError(err, "Failed to retrieve transaction")
	}
	return txn, nil
}

// UpdateTransactionTransition persists a status transition and the
// mutable financial fields that move with it. The update is
// conditional on the expected source status; zero rows affected means
// another writer transitioned the row first and this attempt loses
// with InvalidStateTransition.
func (d Datasource) UpdateTransactionTransition(ctx context.Context, txn *model.Transaction, from model.Status) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, buyer_wallet_id = $3, seller_wallet_id = $4, fee_amount = $5,
			hold_id = $6, dispute_id = $7, idempotency_key = $8, escrow_held_at = $9, closed_at = $10
		WHERE transaction_id = $1 AND status = $11
	`, txn.TransactionID, txn.Status, nullString(txn.BuyerWalletID), nullString(txn.SellerWalletID), txn.FeeAmount,
		nullString(txn.HoldID), nullString(txn.DisputeID), nullString(txn.IdempotencyKey), txn.EscrowHeldAt, txn.ClosedAt, from)
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("Idempotency key '%s' already used", txn.IdempotencyKey), err)
		}
		return wrapStoreError(err, "Failed to update transaction")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError(err, "Failed to update transaction")
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			fmt.Sprintf("Transaction '%s' is no longer in %s status", txn.TransactionID, from), nil)
	}
	return nil
}

func (d Datasource) ListTransactionsByParty(ctx context.Context, partyID string, limit, offset int) ([]model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, partyID, limit, offset)
	if err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve transactions")
	}
	defer func() {
		_ = rows.Close()
	}()

	var transactions []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(err, "Failed to scan transaction")
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve transactions")
	}
	return transactions, nil
}

// GetStaleTransactions finds transactions sitting in a status past a
// deadline. The sweeper uses escrow_held_at for held sales and
// created_at for everything earlier in the lifecycle.
func (d Datasource) GetStaleTransactions(ctx context.Context, status model.Status, before time.Time, limit int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND COALESCE(escrow_held_at, created_at) < $2
		ORDER BY id ASC
		LIMIT $3
	`, status, before, limit)
	if err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve stale transactions")
	}
	defer func() {
		_ = rows.Close()
	}()

	var transactions []*model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(err, "Failed to scan transaction")
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve stale transactions")
	}
	return transactions, nil
}

func (d Datasource) RecordHistoryEvent(ctx context.Context, event *model.HistoryEvent) error {
	if event.EventID == "" {
		event.EventID = model.GenerateUUIDWithPrefix("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO transaction_events (event_id, transaction_id, from_status, to_status, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EventID, event.TransactionID, event.FromStatus, event.ToStatus, event.Actor, event.Reason, event.CreatedAt)
	if err != nil {
		return wrapStoreError(err, "Failed to record history event")
	}
	return nil
}

func (d Datasource) GetTransactionHistory(ctx context.Context, transactionID string) ([]model.HistoryEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, transaction_id, from_status, to_status, actor, reason, created_at
		FROM transaction_events
		WHERE transaction_id = $1
		ORDER BY id ASC
	`, transactionID)
	if err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve transaction history")
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []model.HistoryEvent
	for rows.Next() {
		event := model.HistoryEvent{}
		var reason sql.NullString
		if err := rows.Scan(&event.EventID, &event.TransactionID, &event.FromStatus, &event.ToStatus,
			&event.Actor, &reason, &event.CreatedAt); err != nil {
			return nil, wrapStoreError(err, "Failed to scan history event")
		}
		event.Reason = reason.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(err, "Failed to retrieve transaction history")
	}
	return events, nil
}
