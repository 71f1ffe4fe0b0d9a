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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

var transactionTestColumns = []string{
	"transaction_id", "listing_ref", "buyer_id", "seller_id", "buyer_wallet_id", "seller_wallet_id",
	"amount", "currency", "fee_amount", "status", "hold_id", "dispute_id", "idempotency_key",
	"created_at", "escrow_held_at", "closed_at", "meta_data",
}

func TestRecordTransaction_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	txn := &model.Transaction{
		ListingRef: "listing-42",
		BuyerID:    gofakeit.UUID(),
		SellerID:   gofakeit.UUID(),
		Amount:     8000,
		Currency:   "USD",
		Status:     model.StatusPending,
	}

	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.RecordTransaction(context.Background(), txn)
	assert.NoError(t, err)
	assert.Contains(t, created.TransactionID, "txn_")
	assert.WithinDuration(t, time.Now(), created.CreatedAt, time.Second)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransaction_IdempotencyKeyTaken(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	txn := &model.Transaction{
		ListingRef:     "listing-42",
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		Amount:         8000,
		Currency:       "USD",
		Status:         model.StatusPending,
		IdempotencyKey: "pay-abc",
	}

	mock.ExpectExec("INSERT INTO transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_idempotency_key_key"})

	_, err = ds.RecordTransaction(context.Background(), txn)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestGetTransaction_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	heldAt := time.Now()
	rows := sqlmock.NewRows(transactionTestColumns).
		AddRow("txn_1", "listing-42", "buyer-1", "seller-1", "wlt_b", "wlt_s",
			int64(8000), "USD", int64(200), "ESCROW_HELD", "hld_1", nil, "pay-abc",
			time.Now(), heldAt, nil, []byte(`{}`))

	mock.ExpectQuery("SELECT .* FROM transactions").
		WithArgs("txn_1").
		WillReturnRows(rows)

	txn, err := ds.GetTransaction(context.Background(), "txn_1")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusEscrowHeld, txn.Status)
	assert.Equal(t, "hld_1", txn.HoldID)
	assert.Equal(t, "", txn.DisputeID)
	assert.NotNil(t, txn.EscrowHeldAt)
	assert.Nil(t, txn.ClosedAt)
}

func TestUpdateTransactionTransition_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	txn := &model.Transaction{
		TransactionID: "txn_1",
		Status:        model.StatusPaymentProcessing,
	}

	mock.ExpectExec("UPDATE transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdateTransactionTransition(context.Background(), txn, model.StatusPending)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransactionTransition_LostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	txn := &model.Transaction{
		TransactionID: "txn_1",
		Status:        model.StatusCompleted,
	}

	mock.ExpectExec("UPDATE transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateTransactionTransition(context.Background(), txn, model.StatusEscrowHeld)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidStateTransition, apiErr.Code)
}

func TestGetStaleTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	cutoff := time.Now().Add(-72 * time.Hour)
	heldAt := cutoff.Add(-time.Hour)
	rows := sqlmock.NewRows(transactionTestColumns).
		AddRow("txn_1", "listing-42", "buyer-1", "seller-1", "wlt_b", "wlt_s",
			int64(8000), "USD", int64(0), "ESCROW_HELD", "hld_1", nil, nil,
			heldAt, heldAt, nil, []byte(`{}`))

	mock.ExpectQuery("SELECT .* FROM transactions").
		WithArgs(model.StatusEscrowHeld, cutoff, 100).
		WillReturnRows(rows)

	stale, err := ds.GetStaleTransactions(context.Background(), model.StatusEscrowHeld, cutoff, 100)
	assert.NoError(t, err)
	assert.Len(t, stale, 1)
	assert.Equal(t, "txn_1", stale[0].TransactionID)
}

func TestListTransactionsByParty(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows(transactionTestColumns).
		AddRow("txn_1", "listing-1", "buyer-1", "seller-1", nil, nil,
			int64(8000), "USD", int64(0), "PENDING", nil, nil, nil,
			time.Now(), nil, nil, []byte(`{}`)).
		AddRow("txn_2", "listing-2", "seller-1", "other-1", nil, nil,
			int64(500), "USD", int64(0), "COMPLETED", nil, nil, nil,
			time.Now(), nil, nil, []byte(`{}`))

	mock.ExpectQuery("SELECT .* FROM transactions").
		WithArgs("seller-1", 50, 0).
		WillReturnRows(rows)

	transactions, err := ds.ListTransactionsByParty(context.Background(), "seller-1", 50, 0)
	assert.NoError(t, err)
	assert.Len(t, transactions, 2)
}

func TestRecordAndGetHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	event := &model.HistoryEvent{
		TransactionID: "txn_1",
		FromStatus:    model.StatusPending,
		ToStatus:      model.StatusPaymentProcessing,
		Actor:         "buyer-1",
	}

	mock.ExpectExec("INSERT INTO transaction_events").
		WithArgs(sqlmock.AnyArg(), "txn_1", model.StatusPending, model.StatusPaymentProcessing, "buyer-1", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.RecordHistoryEvent(context.Background(), event)
	assert.NoError(t, err)
	assert.Contains(t, event.EventID, "evt_")

	historyRows := sqlmock.NewRows([]string{"event_id", "transaction_id", "from_status", "to_status", "actor", "reason", "created_at"}).
		AddRow("evt_1", "txn_1", "PENDING", "PAYMENT_PROCESSING", "buyer-1", "", time.Now())

	mock.ExpectQuery("SELECT .* FROM transaction_events").
		WithArgs("txn_1").
		WillReturnRows(historyRows)

	history, err := ds.GetTransactionHistory(context.Background(), "txn_1")
	assert.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, model.StatusPaymentProcessing, history[0].ToStatus)
}
