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
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradepost/escrow/database"
	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

// mapWalletError translates the model's balance sentinels into the
// engine's error taxonomy.
func mapWalletError(err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidAmount):
		return apierror.NewAPIError(apierror.ErrInvalidAmount, err.Error(), err)
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrInsufficientHeld):
		return apierror.NewAPIError(apierror.ErrInsufficientFunds, err.Error(), err)
	case errors.Is(err, model.ErrWalletNotActive):
		return apierror.NewAPIError(apierror.ErrConflict, err.Error(), err)
	default:
		return apierror.NewAPIError(apierror.ErrInternalServer, err.Error(), err)
	}
}

// CreateWallet opens a wallet for an owner in a currency. One wallet
// per (owner, currency) pair.
func (e *Engine) CreateWallet(ctx context.Context, wallet model.Wallet) (model.Wallet, error) {
	if wallet.OwnerID == "" || wallet.Currency == "" {
		return model.Wallet{}, apierror.NewAPIError(apierror.ErrInvalidInput, "Owner and currency are required", nil)
	}
	return e.datasource.CreateWallet(ctx, wallet)
}

func (e *Engine) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	return e.datasource.GetWallet(ctx, id)
}

// SetWalletStatus blocks, reopens or closes a wallet. A closed wallet
// must have no funds left in either bucket; a blocked wallet keeps its
// funds but rejects every mutation until reopened.
func (e *Engine) SetWalletStatus(ctx context.Context, walletID string, status model.WalletStatus) (*model.Wallet, error) {
	switch status {
	case model.WalletActive, model.WalletBlocked, model.WalletClosed:
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Unknown wallet status '%s'", status), nil)
	}

	locker, err := e.lockWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	wallet, err := e.datasource.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if status == model.WalletClosed && (wallet.Available != 0 || wallet.Held != 0) {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Wallet '%s' still carries funds and cannot be closed", walletID), nil)
	}

	if err := e.datasource.UpdateWalletStatus(ctx, walletID, status); err != nil {
		return nil, err
	}
	wallet.Status = status
	return wallet, nil
}

// Deposit credits a wallet's available balance. The reference makes
// the operation idempotent: a retried deposit with the same reference
// is rejected as already applied.
func (e *Engine) Deposit(ctx context.Context, walletID string, amount int64, reference string) (*model.Wallet, error) {
	if reference == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "A deposit reference is required", nil)
	}

	locker, err := e.lockWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	wallet, err := e.datasource.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if err := wallet.CreditAvailable(amount); err != nil {
		return nil, mapWalletError(err)
	}

	change := database.BalanceChange{
		Wallet: wallet,
		Entry:  &model.LedgerEntry{Amount: amount, Reason: model.ReasonDeposit, TransactionRef: reference},
	}
	if err := e.datasource.ApplyBalanceChanges(ctx, []database.BalanceChange{change}); err != nil {
		return nil, err
	}
	return wallet, nil
}

// Withdraw debits a wallet's available balance. Held funds are not
// withdrawable.
func (e *Engine) Withdraw(ctx context.Context, walletID string, amount int64, reference string) (*model.Wallet, error) {
	if reference == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "A withdrawal reference is required", nil)
	}

	locker, err := e.lockWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	wallet, err := e.datasource.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if err := wallet.DebitAvailable(amount); err != nil {
		return nil, mapWalletError(err)
	}

	change := database.BalanceChange{
		Wallet: wallet,
		Entry:  &model.LedgerEntry{Amount: -amount, Reason: model.ReasonWithdrawal, TransactionRef: reference},
	}
	if err := e.datasource.ApplyBalanceChanges(ctx, []database.BalanceChange{change}); err != nil {
		return nil, err
	}
	return wallet, nil
}

func (e *Engine) GetLedgerEntries(ctx context.Context, walletID string, limit, offset int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return e.datasource.GetLedgerEntries(ctx, walletID, limit, offset)
}

// ReconciliationResult reports whether a wallet's cached balances can
// be re-derived from its audit records.
type ReconciliationResult struct {
	WalletID    string    `json:"wallet_id"`
	Available   int64     `json:"available"`
	Held        int64     `json:"held"`
	EntrySum    int64     `json:"entry_sum"`
	ActiveHolds int64     `json:"active_holds"`
	Balanced    bool      `json:"balanced"`
	CheckedAt   time.Time `json:"checked_at"`
}

// ReconcileWallet recomputes a wallet's balances from the entry log
// and the active holds. The available column must equal the signed
// entry sum and the held column must equal the sum of active holds;
// any drift means a bug or manual tampering and is reported, never
// silently repaired.
func (e *Engine) ReconcileWallet(ctx context.Context, walletID string) (*ReconciliationResult, error) {
	locker, err := e.lockWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	wallet, err := e.datasource.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	entrySum, err := e.datasource.SumLedgerEntries(ctx, walletID)
	if err != nil {
		return nil, err
	}
	holdSum, err := e.datasource.SumActiveHolds(ctx, walletID)
	if err != nil {
		return nil, err
	}

	result := &ReconciliationResult{
		WalletID:    walletID,
		Available:   wallet.Available,
		Held:        wallet.Held,
		EntrySum:    entrySum,
		ActiveHolds: holdSum,
		Balanced:    wallet.Available == entrySum && wallet.Held == holdSum,
		CheckedAt:   time.Now(),
	}
	if !result.Balanced {
		logrus.Errorf("wallet %s out of balance: available=%d entry_sum=%d held=%d active_holds=%d",
			walletID, wallet.Available, entrySum, wallet.Held, holdSum)
	}
	return result, nil
}
