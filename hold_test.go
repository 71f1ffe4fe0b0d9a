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

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"

	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

func TestPlaceHold(t *testing.T) {
	engine, mock := newTestEngine(t)
	walletID := "wlt_" + gofakeit.UUID()
	txnID := "txn_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM wallets WHERE wallet_id = \\$1").
		WithArgs(walletID).
		WillReturnRows(walletRow(walletID, "user_b", "USD", 10000, 0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO holds").
		WithArgs(sqlmock.AnyArg(), walletID, txnID, int64(8000), "USD", model.HoldActive, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), walletID, int64(-8000), "USD", model.ReasonHold, txnID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(walletID, int64(2000), int64(8000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	hold, err := engine.PlaceHold(context.Background(), walletID, txnID, 8000, 72*time.Hour)
	assert.NoError(t, err)
	assert.Contains(t, hold.HoldID, "hld_")
	assert.Equal(t, model.HoldActive, hold.Status)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), hold.ExpiresAt, time.Minute)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPlaceHoldNonPositiveAmount(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.PlaceHold(context.Background(), "wlt_1", "txn_1", 0, time.Hour)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidAmount))
}

func TestReleaseHoldPartial(t *testing.T) {
	engine, mock := newTestEngine(t)
	holdID := "hld_" + gofakeit.UUID()
	walletID := "wlt_" + gofakeit.UUID()
	txnID := "txn_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, walletID, txnID, 10000, model.HoldActive))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE wallet_id = \\$1").
		WithArgs(walletID).
		WillReturnRows(walletRow(walletID, "user_b", "USD", 0, 10000, 2))
	mock.ExpectBegin()
	// A partial release keeps the hold ACTIVE at the reduced amount.
	mock.ExpectExec("UPDATE holds SET status = \\$2, amount = \\$3").
		WithArgs(holdID, model.HoldActive, int64(7500), model.HoldActive, int64(10000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), walletID, int64(2500), "USD", model.ReasonRelease, txnID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(walletID, int64(2500), int64(7500), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	released, err := engine.ReleaseHold(context.Background(), holdID, 0.25)
	assert.NoError(t, err)
	assert.Equal(t, int64(2500), released)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestReleaseHoldFull(t *testing.T) {
	engine, mock := newTestEngine(t)
	holdID := "hld_" + gofakeit.UUID()
	walletID := "wlt_" + gofakeit.UUID()
	txnID := "txn_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, walletID, txnID, 10000, model.HoldActive))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE wallet_id = \\$1").
		WithArgs(walletID).
		WillReturnRows(walletRow(walletID, "user_b", "USD", 0, 10000, 2))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE holds SET status = \\$2, amount = \\$3").
		WithArgs(holdID, model.HoldReleased, int64(10000), model.HoldActive, int64(10000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), walletID, int64(10000), "USD", model.ReasonRelease, txnID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(walletID, int64(10000), int64(0), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	released, err := engine.ReleaseHold(context.Background(), holdID, 1.0)
	assert.NoError(t, err)
	assert.Equal(t, int64(10000), released)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestReleaseHoldAlreadyResolved(t *testing.T) {
	engine, mock := newTestEngine(t)
	holdID := "hld_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, "wlt_1", "txn_1", 10000, model.HoldCaptured))

	_, err := engine.ReleaseHold(context.Background(), holdID, 1.0)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrHoldNotActive))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestCaptureHoldFeeOutOfRange(t *testing.T) {
	engine, mock := newTestEngine(t)
	holdID := "hld_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, "wlt_1", "txn_1", 10000, model.HoldActive))

	err := engine.CaptureHold(context.Background(), holdID, "wlt_2", 10001)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidAmount))
}

func TestCaptureHoldToFundingWallet(t *testing.T) {
	engine, mock := newTestEngine(t)
	holdID := "hld_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, "wlt_1", "txn_1", 10000, model.HoldActive))

	err := engine.CaptureHold(context.Background(), holdID, "wlt_1", 0)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}

func TestCaptureHoldAlreadyResolved(t *testing.T) {
	engine, mock := newTestEngine(t)
	holdID := "hld_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, "wlt_1", "txn_1", 10000, model.HoldCaptured))

	err := engine.CaptureHold(context.Background(), holdID, "wlt_2", 250)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrHoldNotActive))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
