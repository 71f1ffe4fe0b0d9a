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

	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/model"
)

// OpenDispute contests a sale: PAYMENT_PROCESSING or ESCROW_HELD →
// DISPUTED. Held funds stay held until an authorized resolution; a
// disputed transaction never auto-releases.
func (e *Engine) OpenDispute(ctx context.Context, transactionID, openerID, reason string, evidenceRefs []string) (*model.Dispute, error) {
	ctx, span := tracer.Start(ctx, "OpenDispute")
	defer span.End()

	if reason == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "A dispute reason is required", nil)
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
	if openerID != txn.BuyerID && openerID != txn.SellerID {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "Only a party to the sale can open a dispute", nil)
	}
	if !txn.Status.CanTransitionTo(model.StatusDisputed) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			fmt.Sprintf("Cannot dispute a sale in %s", txn.Status), nil)
	}

	dispute, err := e.datasource.RecordDispute(ctx, &model.Dispute{
		TransactionID: transactionID,
		OpenerID:      openerID,
		Reason:        reason,
		EvidenceRefs:  evidenceRefs,
	})
	if err != nil {
		return nil, err
	}

	if err := e.transition(ctx, txn, model.StatusDisputed, openerID, "dispute opened", func(t *model.Transaction) {
		t.DisputeID = dispute.DisputeID
	}); err != nil {
		return nil, err
	}

	e.publishDisputeEvent("dispute.opened", dispute)
	return dispute, nil
}

// ResolveDispute forces a terminal resolution of a disputed sale's
// funds. For buyer, the hold fully releases back to the buyer wallet;
// for seller, it fully captures to the seller minus the platform fee;
// for split, splitRatio releases to the buyer and the remainder
// captures to the seller minus a proportional fee. Resolution is
// exactly-once: a second attempt fails AlreadyResolved.
func (e *Engine) ResolveDispute(ctx context.Context, disputeID, resolverID string, outcome model.Outcome, splitRatio float64, note string) (*model.Dispute, error) {
	ctx, span := tracer.Start(ctx, "ResolveDispute")
	defer span.End()

	if resolverID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "A resolver is required", nil)
	}
	targetStatus, ok := model.StatusForOutcome(outcome)
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Unknown outcome '%s'", outcome), nil)
	}
	txnStatus, _ := model.TransactionStatusForOutcome(outcome)
	if outcome == model.OutcomeSplit && (splitRatio <= 0 || splitRatio >= 1) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Split ratio must be strictly between 0 and 1", nil)
	}

	dispute, err := e.datasource.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Resolved() {
		return nil, apierror.NewAPIError(apierror.ErrAlreadyResolved,
			fmt.Sprintf("Dispute '%s' is already resolved", disputeID), nil)
	}

	locker, err := e.lockTransaction(ctx, dispute.TransactionID)
	if err != nil {
		return nil, err
	}
	defer unlock(locker, ctx)

	// Re-read under the transaction lock; a concurrent resolver may
	// have won the race after the first read.
	dispute, err = e.datasource.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Resolved() {
		return nil, apierror.NewAPIError(apierror.ErrAlreadyResolved,
			fmt.Sprintf("Dispute '%s' was resolved by a concurrent request", disputeID), nil)
	}

	txn, err := e.datasource.GetTransaction(ctx, dispute.TransactionID)
	if err != nil {
		return nil, err
	}
	if resolverID == txn.BuyerID || resolverID == txn.SellerID {
		return nil, apierror.NewAPIError(apierror.ErrForbidden, "A party to the sale cannot resolve its dispute", nil)
	}
	if !txn.Status.CanTransitionTo(txnStatus) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidStateTransition,
			fmt.Sprintf("Cannot resolve a sale in %s", txn.Status), nil)
	}

	var fee int64
	if txn.HoldID != "" {
		fee, err = e.applyResolutionFunds(ctx, txn, outcome, splitRatio)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	dispute.Status = targetStatus
	dispute.ResolverID = resolverID
	dispute.ResolutionNote = note
	dispute.SplitRatio = splitRatio
	dispute.ResolvedAt = &now
	if err := e.datasource.ResolveDisputeRecord(ctx, dispute); err != nil {
		return nil, err
	}

	if err := e.transition(ctx, txn, txnStatus, resolverID, fmt.Sprintf("dispute resolved: %s", outcome), func(t *model.Transaction) {
		t.FeeAmount = fee
		t.ClosedAt = &now
	}); err != nil {
		return nil, err
	}

	e.publishDisputeEvent("dispute.resolved", dispute)
	return dispute, nil
}

// applyResolutionFunds moves the held funds per the outcome and
// returns the fee taken. A dispute opened from PAYMENT_PROCESSING may
// have no surviving hold; that is not an error, there is simply
// nothing to move.
func (e *Engine) applyResolutionFunds(ctx context.Context, txn *model.Transaction, outcome model.Outcome, splitRatio float64) (int64, error) {
	hold, err := e.datasource.GetHold(ctx, txn.HoldID)
	if err != nil {
		return 0, err
	}
	if !hold.IsActive() {
		return 0, nil
	}

	cnf, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	switch outcome {
	case model.OutcomeBuyer:
		if _, err := e.ReleaseHold(ctx, hold.HoldID, 1.0); err != nil {
			if !e.holdAlreadyResolved(ctx, err, hold.HoldID, model.HoldReleased) {
				return 0, err
			}
		}
		return 0, nil

	case model.OutcomeSeller:
		seller, err := e.getOrCreateWallet(ctx, txn.SellerID, txn.Currency)
		if err != nil {
			return 0, err
		}
		fee := model.FeeForAmount(hold.Amount, cnf.Policy.FeeBPS)
		if err := e.CaptureHold(ctx, hold.HoldID, seller.WalletID, fee); err != nil {
			if !e.holdAlreadyResolved(ctx, err, hold.HoldID, model.HoldCaptured) {
				return 0, err
			}
		}
		return fee, nil

	case model.OutcomeSplit:
		if _, err := e.ReleaseHold(ctx, hold.HoldID, splitRatio); err != nil {
			return 0, err
		}
		remaining, err := e.datasource.GetHold(ctx, hold.HoldID)
		if err != nil {
			return 0, err
		}
		if !remaining.IsActive() {
			// The buyer's share rounded up to the whole hold.
			return 0, nil
		}
		seller, err := e.getOrCreateWallet(ctx, txn.SellerID, txn.Currency)
		if err != nil {
			return 0, err
		}
		fee := model.FeeForAmount(remaining.Amount, cnf.Policy.FeeBPS)
		if err := e.CaptureHold(ctx, hold.HoldID, seller.WalletID, fee); err != nil {
			if !e.holdAlreadyResolved(ctx, err, hold.HoldID, model.HoldCaptured) {
				return 0, err
			}
		}
		return fee, nil
	}
	return 0, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown outcome '%s'", outcome), nil)
}

func (e *Engine) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	return e.datasource.GetDispute(ctx, id)
}

func (e *Engine) GetDisputeByTransaction(ctx context.Context, transactionID string) (*model.Dispute, error) {
	return e.datasource.GetDisputeByTransaction(ctx, transactionID)
}
