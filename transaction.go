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

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

var tracer = otel.Tracer("escrow.engine")

// CreateTransaction opens a sale in PENDING. No funds move until the
// buyer initiates payment.
func (e *Engine) CreateTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	if txn.Amount <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidAmount, "Transaction amount must be positive", nil)
	}
	if txn.BuyerID == "" || txn.SellerID == "" || txn.ListingRef == "" || txn.Currency == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Buyer, seller, listing and currency are required", nil)
	}
	if txn.BuyerID == txn.SellerID {
		return nil, apierror.NewAPIError(apierror.ErrSameParty, "Buyer and seller must be different parties", nil)
	}

	txn.Status = model.StatusPending
	created, err := e.datasource.RecordTransaction(ctx, txn)
	if err != nil {
		return nil, err
	}

	e.recordHistory(ctx, created.TransactionID, "", model.StatusPending, created.BuyerID, "created")
	e.publishStatusChange(created, "", "")
	return created, nil
}

// InitiatePayment funds the sale from the buyer's wallet: PENDING →
// PAYMENT_PROCESSING, then a hold placement; on success → ESCROW_HELD.
// On InsufficientFunds the transaction rolls back to PENDING so the
// buyer may retry with another wallet. A retried call with the same
// idempotency key returns the prior result instead of placing a
// second hold.
func (e *Engine) InitiatePayment(ctx context.Context, transactionID, walletID, idempotencyKey, actorID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "InitiatePayment")
	defer span.End()

	if idempotencyKey == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "An idempotency key is required", nil)
	}

	locker, err := e.lockTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	txn, err := e.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "Only the buyer can initiate payment", nil)
	}
	if txn.IdempotencyKey == idempotencyKey && txn.Status != model.StatusPending {
		// Retried call; the first attempt already got past PENDING.
		return txn, nil
	}
	if existing, err := e.datasource.GetTransactionByIdempotencyKey(ctx, idempotencyKey); err == nil {
		if existing.TransactionID != transactionID {
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("Idempotency key '%s' is already bound to another sale", idempotencyKey), nil)
		}
	} else if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}
	if !txn.Status.CanTransitionTo(model.StatusPaymentProcessing) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			fmt.Sprintf("Cannot initiate payment from %s", txn.Status), nil)
	}

	wallet, err := e.datasource.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.OwnerID != txn.BuyerID {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "Wallet does not belong to the buyer", nil)
	}
	if wallet.Currency != txn.Currency {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Wallet currency %s does not match transaction currency %s", wallet.Currency, txn.Currency), nil)
	}

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	if err := e.transition(ctx, txn, model.StatusPaymentProcessing, actorID, "payment initiated", func(t *model.Transaction) {
		t.BuyerWalletID = walletID
		t.IdempotencyKey = idempotencyKey
	}); err != nil {
		return nil, err
	}

	hold, err := e.PlaceHold(ctx, walletID, transactionID, txn.Amount, cnf.Policy.DeliveryConfirmTimeout)
	if err != nil {
		if apierror.Is(err, apierror.ErrDuplicateHold) {
			// A prior attempt already placed the hold; recover it and
			// finish the transition.
			hold, err = e.datasource.GetActiveHoldByTransaction(ctx, transactionID)
			if err != nil {
				return nil, err
			}
		} else if apierror.Is(err, apierror.ErrInsufficientFunds) {
			if rbErr := e.transition(ctx, txn, model.StatusPending, actorID, "insufficient funds", func(t *model.Transaction) {
				t.BuyerWalletID = ""
				t.IdempotencyKey = ""
			}); rbErr != nil {
				logrus.Errorf("failed to roll back transaction %s to PENDING: %v", transactionID, rbErr)
			}
			return nil, err
		} else {
			return nil, err
		}
	}

	now := time.Now()
	if err := e.transition(ctx, txn, model.StatusEscrowHeld, actorID, "escrow funded", func(t *model.Transaction) {
		t.HoldID = hold.HoldID
		t.EscrowHeldAt = &now
	}); err != nil {
		return nil, err
	}
	return txn, nil
}

// ConfirmDelivery completes the sale: ESCROW_HELD → COMPLETED, with
// the held funds captured to the seller minus the platform fee. Only
// the buyer, or the sweeper acting on the auto-release deadline, may
// confirm.
func (e *Engine) ConfirmDelivery(ctx context.Context, transactionID, actorID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "ConfirmDelivery")
	defer span.End()

	locker, err := e.lockTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	txn, err := e.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID && actorID != model.ActorSystem {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "Only the buyer can confirm delivery", nil)
	}
	if !txn.Status.CanTransitionTo(model.StatusCompleted) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			fmt.Sprintf("Cannot confirm delivery from %s", txn.Status), nil)
	}

	hold, err := e.datasource.GetHold(ctx, txn.HoldID)
	if err != nil {
		return nil, err
	}
	seller, err := e.getOrCreateWallet(ctx, txn.SellerID, txn.Currency)
	if err != nil {
		return nil, err
	}

	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	fee := model.FeeForAmount(hold.Amount, cnf.Policy.FeeBPS)

	if err := e.CaptureHold(ctx, hold.HoldID, seller.WalletID, fee); err != nil {
		if !e.holdAlreadyResolved(ctx, err, hold.HoldID, model.HoldCaptured) {
			return nil, err
		}
		// Funds were captured by a prior attempt that crashed before
		// the status flip; finish the transition.
	}

	now := time.Now()
	reason := "delivery confirmed"
	if actorID == model.ActorSystem {
		reason = "auto-released after confirmation deadline"
	}
	if err := e.transition(ctx, txn, model.StatusCompleted, actorID, reason, func(t *model.Transaction) {
		t.SellerWalletID = seller.WalletID
		t.FeeAmount = fee
		t.ClosedAt = &now
	}); err != nil {
		return nil, err
	}
	return txn, nil
}

// Refund returns held funds to the buyer in full: ESCROW_HELD →
// REFUNDED. The seller walks away from the sale; no fee is taken.
func (e *Engine) Refund(ctx context.Context, transactionID, actorID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Refund")
	defer span.End()

	locker, err := e.lockTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	txn, err := e.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if actorID != txn.SellerID && actorID != model.ActorSystem {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "Only the seller can refund the sale", nil)
	}
	if !txn.Status.CanTransitionTo(model.StatusRefunded) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			fmt.Sprintf("Cannot refund from %s", txn.Status), nil)
	}

	if _, err := e.ReleaseHold(ctx, txn.HoldID, 1.0); err != nil {
		if !e.holdAlreadyResolved(ctx, err, txn.HoldID, model.HoldReleased) {
			return nil, err
		}
	}

	now := time.Now()
	if err := e.transition(ctx, txn, model.StatusRefunded, actorID, "refunded by seller", func(t *model.Transaction) {
		t.ClosedAt = &now
	}); err != nil {
		return nil, err
	}
	return txn, nil
}

// Cancel abandons a sale before funds are held. Buyers and sellers may
// cancel from PENDING only; the sweeper may additionally cancel a
// stuck PAYMENT_PROCESSING, expiring any orphaned hold first.
func (e *Engine) Cancel(ctx context.Context, transactionID, actorID string) (*model.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Cancel")
	defer span.End()

	locker, err := e.lockTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	txn, err := e.datasource.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID && actorID != txn.SellerID && actorID != model.ActorSystem {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "Only a party to the sale can cancel it", nil)
	}
	if txn.Status == model.StatusPaymentProcessing && actorID != model.ActorSystem {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			"A sale in payment processing can only be canceled by the timeout sweeper", nil)
	}
	if !txn.Status.CanTransitionTo(model.StatusCanceled) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			fmt.Sprintf("Cannot cancel from %s", txn.Status), nil)
	}

	if hold, err := e.datasource.GetActiveHoldByTransaction(ctx, transactionID); err == nil {
		// Payment crashed between hold placement and the ESCROW_HELD
		// flip; return the funds before closing out.
		if expireErr := e.ExpireHold(ctx, hold.HoldID); expireErr != nil {
			return nil, expireErr
		}
	} else if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	reason := "canceled"
	if actorID == model.ActorSystem {
		reason = "canceled after payment timeout"
	}
	if err := e.transition(ctx, txn, model.StatusCanceled, actorID, reason, func(t *model.Transaction) {
		t.ClosedAt = &now
	}); err != nil {
		return nil, err
	}
	return txn, nil
}

func (e *Engine) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return e.datasource.GetTransaction(ctx, id)
}

func (e *Engine) ListTransactionsByParty(ctx context.Context, partyID string, limit, offset int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return e.datasource.ListTransactionsByParty(ctx, partyID, limit, offset)
}

func (e *Engine) GetTransactionHistory(ctx context.Context, transactionID string) ([]model.HistoryEvent, error) {
	if _, err := e.datasource.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	return e.datasource.GetTransactionHistory(ctx, transactionID)
}

// transition moves a transaction to the target status with mutate
// applied, conditional on the current status still being what the
// caller read. A lost race surfaces as InvalidStateTransition. Every
// successful transition appends a history event and publishes a
// lifecycle event.
func (e *Engine) transition(ctx context.Context, txn *model.Transaction, target model.Status, actorID, reason string, mutate func(*model.Transaction)) error {
	if !txn.Status.CanTransitionTo(target) {
		return apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			fmt.Sprintf("Cannot transition from %s to %s", txn.Status, target), nil)
	}

	from := txn.Status
	txn.Status = target
	if mutate != nil {
		mutate(txn)
	}
	if err := e.datasource.UpdateTransactionTransition(ctx, txn, from); err != nil {
		txn.Status = from
		return err
	}

	e.recordHistory(ctx, txn.TransactionID, from, target, actorID, reason)
	e.publishStatusChange(txn, from, reason)
	return nil
}

// holdAlreadyResolved reports whether a HoldNotActive failure just
// means a prior crashed attempt already moved the funds to the wanted
// terminal status, in which case the caller safely finishes the
// transaction-side transition.
func (e *Engine) holdAlreadyResolved(ctx context.Context, err error, holdID string, wanted model.HoldStatus) bool {
	if !apierror.Is(err, apierror.ErrHoldNotActive) {
		return false
	}
	hold, getErr := e.datasource.GetHold(ctx, holdID)
	if getErr != nil {
		return false
	}
	return hold.Status == wanted
}

func (e *Engine) recordHistory(ctx context.Context, transactionID string, from, to model.Status, actorID, reason string) {
	event := &model.HistoryEvent{
		TransactionID: transactionID,
		FromStatus:    from,
		ToStatus:      to,
		Actor:         actorID,
		Reason:        reason,
	}
	if err := e.datasource.RecordHistoryEvent(ctx, event); err != nil {
		logrus.Errorf("failed to record history event for %s: %v", transactionID, err)
	}
}
