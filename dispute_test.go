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

func openDisputeRow(disputeID, txnID string) *sqlmock.Rows {
	return sqlmock.NewRows(disputeTestColumns).
		AddRow(disputeID, txnID, "user_b", "item not received", `["evidence_1"]`, model.DisputeOpen,
			nil, nil, nil, time.Now(), nil, nil)
}

func TestOpenDispute(t *testing.T) {
	engine, mock := newTestEngine(t)
	txnID := "txn_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id = \\$1").
		WithArgs(txnID).
		WillReturnRows(heldTransactionRow(txnID, "wlt_1", "hld_1"))
	mock.ExpectExec("INSERT INTO disputes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	// ESCROW_HELD -> DISPUTED
	mock.ExpectExec("UPDATE transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transaction_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	dispute, err := engine.OpenDispute(context.Background(), txnID, "user_b", "item not received", []string{"evidence_1"})
	assert.NoError(t, err)
	assert.Contains(t, dispute.DisputeID, "dsp_")
	assert.Equal(t, model.DisputeOpen, dispute.Status)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestOpenDisputeByStranger(t *testing.T) {
	engine, mock := newTestEngine(t)
	txnID := "txn_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id = \\$1").
		WithArgs(txnID).
		WillReturnRows(heldTransactionRow(txnID, "wlt_1", "hld_1"))

	_, err := engine.OpenDispute(context.Background(), txnID, "user_x", "item not received", nil)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrForbidden))
}

func TestOpenDisputeFromPending(t *testing.T) {
	engine, mock := newTestEngine(t)
	txnID := "txn_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id = \\$1").
		WithArgs(txnID).
		WillReturnRows(pendingTransactionRow(txnID))

	_, err := engine.OpenDispute(context.Background(), txnID, "user_b", "item not received", nil)
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidStateTransition))
}

func disputedTransactionRow(txnID, walletID, holdID, disputeID string) *sqlmock.Rows {
	return sqlmock.NewRows(transactionTestColumns).
		AddRow(txnID, "listing_1", "user_b", "user_s", walletID, nil,
			int64(10000), "USD", int64(0), model.StatusDisputed, holdID, disputeID, "idem-1",
			time.Now(), time.Now(), nil, `{}`)
}

func TestResolveDisputeBuyerWins(t *testing.T) {
	engine, mock := newTestEngine(t)
	txnID := "txn_" + gofakeit.UUID()
	disputeID := "dsp_" + gofakeit.UUID()
	buyerWallet := "wlt_" + gofakeit.UUID()
	holdID := "hld_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(openDisputeRow(disputeID, txnID))
	// re-read under the transaction lock
	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(openDisputeRow(disputeID, txnID))
	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id = \\$1").
		WithArgs(txnID).
		WillReturnRows(disputedTransactionRow(txnID, buyerWallet, holdID, disputeID))

	// the held funds go back to the buyer in full
	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, buyerWallet, txnID, 10000, model.HoldActive))
	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, buyerWallet, txnID, 10000, model.HoldActive))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE wallet_id = \\$1").
		WithArgs(buyerWallet).
		WillReturnRows(walletRow(buyerWallet, "user_b", "USD", 0, 10000, 1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE holds SET status = \\$2, amount = \\$3").
		WithArgs(holdID, model.HoldReleased, int64(10000), model.HoldActive, int64(10000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), buyerWallet, int64(10000), "USD", model.ReasonRelease, txnID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(buyerWallet, int64(10000), int64(0), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE disputes SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// DISPUTED -> RESOLVED_BUYER
	mock.ExpectExec("UPDATE transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transaction_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	dispute, err := engine.ResolveDispute(context.Background(), disputeID, "mod_1", model.OutcomeBuyer, 0, "buyer provided proof")
	assert.NoError(t, err)
	assert.Equal(t, model.DisputeResolvedBuyer, dispute.Status)
	assert.Equal(t, "mod_1", dispute.ResolverID)
	assert.NotNil(t, dispute.ResolvedAt)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestResolveDisputeSplit(t *testing.T) {
	engine, mock := newTestEngine(t)
	txnID := "txn_" + gofakeit.UUID()
	disputeID := "dsp_" + gofakeit.UUID()
	buyerWallet := "wlt_" + gofakeit.UUID()
	sellerWallet := "wlt_" + gofakeit.UUID()
	feeWallet := "wlt_" + gofakeit.UUID()
	holdID := "hld_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(openDisputeRow(disputeID, txnID))
	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(openDisputeRow(disputeID, txnID))
	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id = \\$1").
		WithArgs(txnID).
		WillReturnRows(disputedTransactionRow(txnID, buyerWallet, holdID, disputeID))

	// 40% of the 10000 hold releases back to the buyer
	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, buyerWallet, txnID, 10000, model.HoldActive))
	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, buyerWallet, txnID, 10000, model.HoldActive))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE wallet_id = \\$1").
		WithArgs(buyerWallet).
		WillReturnRows(walletRow(buyerWallet, "user_b", "USD", 0, 10000, 1))
	mock.ExpectBegin()
	// partial release keeps the hold ACTIVE at the seller's remainder
	mock.ExpectExec("UPDATE holds SET status = \\$2, amount = \\$3").
		WithArgs(holdID, model.HoldActive, int64(6000), model.HoldActive, int64(10000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), buyerWallet, int64(4000), "USD", model.ReasonRelease, txnID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(buyerWallet, int64(4000), int64(6000), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// the remainder is captured to the seller minus the fee
	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, buyerWallet, txnID, 6000, model.HoldActive))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE owner_id = \\$1 AND currency = \\$2").
		WithArgs("user_s", "USD").
		WillReturnRows(walletRow(sellerWallet, "user_s", "USD", 0, 0, 0))
	mock.ExpectQuery("SELECT .* FROM holds WHERE hold_id = \\$1").
		WithArgs(holdID).
		WillReturnRows(holdRow(holdID, buyerWallet, txnID, 6000, model.HoldActive))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE wallet_id = \\$1").
		WithArgs(buyerWallet).
		WillReturnRows(walletRow(buyerWallet, "user_b", "USD", 4000, 6000, 2))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE wallet_id = \\$1").
		WithArgs(sellerWallet).
		WillReturnRows(walletRow(sellerWallet, "user_s", "USD", 0, 0, 0))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE owner_id = \\$1 AND currency = \\$2").
		WithArgs(FeeWalletOwnerPrefix+"USD", "USD").
		WillReturnRows(walletRow(feeWallet, FeeWalletOwnerPrefix+"USD", "USD", 0, 0, 0))
	mock.ExpectQuery("SELECT .* FROM wallets WHERE wallet_id = \\$1").
		WithArgs(feeWallet).
		WillReturnRows(walletRow(feeWallet, FeeWalletOwnerPrefix+"USD", "USD", 0, 0, 0))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE holds SET status = \\$2, amount = \\$3").
		WithArgs(holdID, model.HoldCaptured, int64(6000), model.HoldActive, int64(6000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(buyerWallet, int64(4000), int64(0), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 250 bps on the seller's 6000, not the original amount
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), sellerWallet, int64(5850), "USD", model.ReasonCapture, txnID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(sellerWallet, int64(5850), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(sqlmock.AnyArg(), feeWallet, int64(150), "USD", model.ReasonFee, txnID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE wallets").
		WithArgs(feeWallet, int64(150), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE disputes SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// DISPUTED -> RESOLVED_SPLIT
	mock.ExpectExec("UPDATE transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transaction_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	dispute, err := engine.ResolveDispute(context.Background(), disputeID, "mod_1", model.OutcomeSplit, 0.4, "partial refund agreed")
	assert.NoError(t, err)
	assert.Equal(t, model.DisputeResolvedSplit, dispute.Status)
	assert.Equal(t, 0.4, dispute.SplitRatio)
	assert.NotNil(t, dispute.ResolvedAt)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestResolveDisputeByParty(t *testing.T) {
	engine, mock := newTestEngine(t)
	txnID := "txn_" + gofakeit.UUID()
	disputeID := "dsp_" + gofakeit.UUID()

	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(openDisputeRow(disputeID, txnID))
	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(openDisputeRow(disputeID, txnID))
	mock.ExpectQuery("SELECT .* FROM transactions WHERE transaction_id = \\$1").
		WithArgs(txnID).
		WillReturnRows(disputedTransactionRow(txnID, "wlt_1", "hld_1", disputeID))

	_, err := engine.ResolveDispute(context.Background(), disputeID, "user_b", model.OutcomeBuyer, 0, "")
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrForbidden))
}

func TestResolveDisputeTwice(t *testing.T) {
	engine, mock := newTestEngine(t)
	txnID := "txn_" + gofakeit.UUID()
	disputeID := "dsp_" + gofakeit.UUID()

	resolved := time.Now()
	rows := sqlmock.NewRows(disputeTestColumns).
		AddRow(disputeID, txnID, "user_b", "item not received", `[]`, model.DisputeResolvedSeller,
			"seller provided tracking", "mod_1", nil, time.Now(), nil, resolved)
	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(rows)

	_, err := engine.ResolveDispute(context.Background(), disputeID, "mod_1", model.OutcomeBuyer, 0, "")
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrAlreadyResolved))
}

func TestResolveDisputeLostRace(t *testing.T) {
	engine, mock := newTestEngine(t)
	txnID := "txn_" + gofakeit.UUID()
	disputeID := "dsp_" + gofakeit.UUID()

	// A concurrent resolver wins between the first read and the lock;
	// the re-read under the lock surfaces the resolution.
	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(openDisputeRow(disputeID, txnID))
	resolved := time.Now()
	rows := sqlmock.NewRows(disputeTestColumns).
		AddRow(disputeID, txnID, "user_b", "item not received", `[]`, model.DisputeResolvedBuyer,
			"buyer provided proof", "mod_2", nil, time.Now(), nil, resolved)
	mock.ExpectQuery("SELECT .* FROM disputes WHERE dispute_id = \\$1").
		WithArgs(disputeID).
		WillReturnRows(rows)

	_, err := engine.ResolveDispute(context.Background(), disputeID, "mod_1", model.OutcomeSeller, 0, "")
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrAlreadyResolved))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestResolveDisputeSplitRatioValidation(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ResolveDispute(context.Background(), "dsp_1", "mod_1", model.OutcomeSplit, 1.0, "")
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))

	_, err = engine.ResolveDispute(context.Background(), "dsp_1", "mod_1", model.OutcomeSplit, 0, "")
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}

func TestResolveDisputeUnknownOutcome(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ResolveDispute(context.Background(), "dsp_1", "mod_1", model.Outcome("both"), 0, "")
	assert.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}
