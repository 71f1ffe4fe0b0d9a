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
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tradepost/escrow/database"
	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

// PlaceHold carves amount out of the wallet's available balance and
// earmarks it for the transaction. The hold row, the ledger entry and
// the balance movement commit atomically; a second active hold for the
// same transaction fails DuplicateHold.
func (e *Engine) PlaceHold(ctx context.Context, walletID, transactionID string, amount int64, ttl time.Duration) (*model.Hold, error) {
	if amount <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidAmount, "Hold amount must be positive", nil)
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
	if err := wallet.MoveAvailableToHeld(amount); err != nil {
		return nil, mapWalletError(err)
	}

	hold := &model.Hold{
		WalletID:      walletID,
		TransactionID: transactionID,
		Amount:        amount,
		Currency:      wallet.Currency,
		ExpiresAt:     time.Now().Add(ttl),
	}
	change := database.BalanceChange{
		Wallet: wallet,
		Entry:  &model.LedgerEntry{Amount: -amount, Reason: model.ReasonHold, TransactionRef: transactionID},
	}
	if err := e.datasource.ApplyHoldPlacement(ctx, hold, change); err != nil {
		return nil, err
	}

	if err := e.queue.queueHoldExpiry(hold); err != nil {
		// The sweeper catches expired holds regardless; the task is a
		// faster path, not the source of truth.
		logrus.Errorf("failed to enqueue hold expiry for %s: %v", hold.HoldID, err)
	}
	return hold, nil
}

// CaptureHold moves the held amount out of escrow: amount - feeAmount
// to the payout wallet, feeAmount to the platform fee wallet, the hold
// flipped to CAPTURED, all in one atomic resolution. Fails
// HoldNotActive if the hold is already resolved.
func (e *Engine) CaptureHold(ctx context.Context, holdID, payoutWalletID string, feeAmount int64) error {
	hold, err := e.datasource.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	if !hold.IsActive() {
		return apierror.NewAPIError(apierror.ErrHoldNotActive,
			fmt.Sprintf("Hold '%s' is already %s", holdID, hold.Status), nil)
	}
	if feeAmount < 0 || feeAmount > hold.Amount {
		return apierror.NewAPIError(apierror.ErrInvalidAmount,
			fmt.Sprintf("Fee %d out of range for hold of %d", feeAmount, hold.Amount), nil)
	}
	if payoutWalletID == hold.WalletID {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Payout wallet cannot be the funding wallet", nil)
	}

	buyerLock, err := e.lockWallet(ctx, hold.WalletID)
	if err != nil {
		return err
	}
	defer unlock(buyerLock, ctx)
	payoutLock, err := e.lockWallet(ctx, payoutWalletID)
	if err != nil {
		return err
	}
	defer unlock(payoutLock, ctx)

	buyer, err := e.datasource.GetWallet(ctx, hold.WalletID)
	if err != nil {
		return err
	}
	payout, err := e.datasource.GetWallet(ctx, payoutWalletID)
	if err != nil {
		return err
	}
	if payout.Currency != hold.Currency {
		return apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Payout wallet currency %s does not match hold currency %s", payout.Currency, hold.Currency), nil)
	}

	if err := buyer.DebitHeld(hold.Amount); err != nil {
		return mapWalletError(err)
	}
	net := hold.Amount - feeAmount
	if err := payout.CreditAvailable(net); err != nil {
		return mapWalletError(err)
	}

	changes := []database.BalanceChange{
		{Wallet: buyer},
		{Wallet: payout, Entry: &model.LedgerEntry{Amount: net, Reason: model.ReasonCapture, TransactionRef: hold.TransactionID}},
	}
	if feeAmount > 0 {
		fees, err := e.feeWallet(ctx, hold.Currency)
		if err != nil {
			return err
		}
		feeLock, err := e.lockWallet(ctx, fees.WalletID)
		if err != nil {
			return err
		}
		defer unlock(feeLock, ctx)
		fees, err = e.datasource.GetWallet(ctx, fees.WalletID)
		if err != nil {
			return err
		}
		if err := fees.CreditAvailable(feeAmount); err != nil {
			return mapWalletError(err)
		}
		changes = append(changes, database.BalanceChange{
			Wallet: fees,
			Entry:  &model.LedgerEntry{Amount: feeAmount, Reason: model.ReasonFee, TransactionRef: hold.TransactionID},
		})
	}

	fromAmount := hold.Amount
	hold.Status = model.HoldCaptured
	return e.datasource.ApplyHoldResolution(ctx, hold, model.HoldActive, fromAmount, changes)
}

// ReleaseHold returns a fraction of the held funds to the funding
// wallet's available balance. A fraction below one leaves the hold
// ACTIVE at the reduced amount so the remainder can be captured to the
// counterparty in a paired call; a full release is terminal. Returns
// the released amount.
func (e *Engine) ReleaseHold(ctx context.Context, holdID string, fraction float64) (int64, error) {
	return e.resolveToWallet(ctx, holdID, fraction, model.ReasonRelease)
}

// ExpireHold is the system-only variant of a full release, used when a
// hold outlives its transaction. It logs a distinct reason code so the
// audit trail separates expiries from deliberate releases.
func (e *Engine) ExpireHold(ctx context.Context, holdID string) error {
	_, err := e.resolveToWallet(ctx, holdID, 1.0, model.ReasonExpiry)
	return err
}

func (e *Engine) resolveToWallet(ctx context.Context, holdID string, fraction float64, reason model.EntryReason) (int64, error) {
	if fraction <= 0 || fraction > 1 {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, "Release fraction must be in (0, 1]", nil)
	}

	hold, err := e.datasource.GetHold(ctx, holdID)
	if err != nil {
		return 0, err
	}
	if !hold.IsActive() {
		return 0, apierror.NewAPIError(apierror.ErrHoldNotActive,
			fmt.Sprintf("Hold '%s' is already %s", holdID, hold.Status), nil)
	}

	released, remainder := model.SplitAmount(hold.Amount, decimal.NewFromFloat(fraction))
	if released == 0 {
		return 0, apierror.NewAPIError(apierror.ErrInvalidAmount, "Release rounds to nothing", nil)
	}

	locker, err := e.lockWallet(ctx, hold.WalletID)
	if err != nil {
		return 0, err
	}
	defer unlock(locker, ctx)

	wallet, err := e.datasource.GetWallet(ctx, hold.WalletID)
	if err != nil {
		return 0, err
	}
	if err := wallet.MoveHeldToAvailable(released); err != nil {
		return 0, mapWalletError(err)
	}

	fromAmount := hold.Amount
	if remainder > 0 {
		hold.Amount = remainder
	} else if reason == model.ReasonExpiry {
		hold.Status = model.HoldExpired
	} else {
		hold.Status = model.HoldReleased
	}

	change := database.BalanceChange{
		Wallet: wallet,
		Entry:  &model.LedgerEntry{Amount: released, Reason: reason, TransactionRef: hold.TransactionID},
	}
	if err := e.datasource.ApplyHoldResolution(ctx, hold, model.HoldActive, fromAmount, []database.BalanceChange{change}); err != nil {
		return 0, err
	}
	return released, nil
}
