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
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/internal/apierror"
	"github.com/tradepost/escrow/internal/notification"
	"github.com/tradepost/escrow/model"
)

// StartSweeper runs the timeout sweep on the configured interval until
// the context is canceled. The sweeper is the authoritative backstop
// for every deadline in the system: scheduled expiry tasks make the
// common case fast, but a sale never depends on one having survived.
func (e *Engine) StartSweeper(ctx context.Context) {
	cnf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("sweeper not started: %v", err)
		return
	}

	ticker := time.NewTicker(cnf.Policy.SweepInterval)
	defer ticker.Stop()
	logrus.Infof("timeout sweeper started, interval %s", cnf.Policy.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			logrus.Info("timeout sweeper stopped")
			return
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass over every deadline class. Each stale
// row is handled independently so one poisoned transaction cannot
// stall the rest of the batch.
func (e *Engine) SweepOnce(ctx context.Context) {
	cnf, err := config.Fetch()
	if err != nil {
		logrus.Errorf("sweep aborted: %v", err)
		return
	}

	e.releaseOverdueEscrows(ctx, cnf)
	e.cancelStalePayments(ctx, cnf)
	e.escalateOverdueDisputes(ctx, cnf)
}

// releaseOverdueEscrows auto-completes sales where the buyer never
// confirmed delivery within the confirmation window. The funds move to
// the seller; a buyer who objects should have opened a dispute before
// the deadline.
func (e *Engine) releaseOverdueEscrows(ctx context.Context, cnf *config.Configuration) {
	cutoff := time.Now().Add(-cnf.Policy.DeliveryConfirmTimeout)
	stale, err := e.fetchStale(ctx, model.StatusEscrowHeld, cutoff, cnf.Policy.SweepBatchSize)
	if err != nil {
		logrus.Errorf("failed to fetch overdue escrows: %v", err)
		return
	}

	for _, txn := range stale {
		if _, err := e.ConfirmDelivery(ctx, txn.TransactionID, model.ActorSystem); err != nil {
			// A conflict means someone beat us to it (confirmation,
			// dispute); the next pass will no longer see the row.
			if apierror.Is(err, apierror.ErrConflict) || apierror.Is(err, apierror.ErrInvalidStateTransition) {
				continue
			}
			logrus.Errorf("failed to auto-release %s: %v", txn.TransactionID, err)
			notification.NotifyError(err)
		}
	}
}

// cancelStalePayments returns transactions stuck in PAYMENT_PROCESSING
// past the payment timeout to a resolvable state, expiring any hold
// that was placed before the crash.
func (e *Engine) cancelStalePayments(ctx context.Context, cnf *config.Configuration) {
	cutoff := time.Now().Add(-cnf.Policy.PaymentTimeout)
	stale, err := e.fetchStale(ctx, model.StatusPaymentProcessing, cutoff, cnf.Policy.SweepBatchSize)
	if err != nil {
		logrus.Errorf("failed to fetch stale payments: %v", err)
		return
	}

	for _, txn := range stale {
		if _, err := e.Cancel(ctx, txn.TransactionID, model.ActorSystem); err != nil {
			if apierror.Is(err, apierror.ErrConflict) || apierror.Is(err, apierror.ErrInvalidStateTransition) {
				continue
			}
			logrus.Errorf("failed to cancel stale payment %s: %v", txn.TransactionID, err)
			notification.NotifyError(err)
		}
	}
}

// escalateOverdueDisputes flags disputes that have sat open past the
// resolution SLA. Escalation notifies operators; it never moves money.
func (e *Engine) escalateOverdueDisputes(ctx context.Context, cnf *config.Configuration) {
	cutoff := time.Now().Add(-cnf.Policy.DisputeSLA)
	overdue, err := e.datasource.GetOpenDisputesOlderThan(ctx, cutoff, cnf.Policy.SweepBatchSize)
	if err != nil {
		logrus.Errorf("failed to fetch overdue disputes: %v", err)
		return
	}

	for _, dispute := range overdue {
		if err := e.datasource.MarkDisputeEscalated(ctx, dispute.DisputeID, time.Now()); err != nil {
			logrus.Errorf("failed to mark dispute %s escalated: %v", dispute.DisputeID, err)
			continue
		}
		notification.NotifyDisputeEscalation(dispute.DisputeID, dispute.TransactionID, dispute.OpenedAt)
		logrus.Warnf("dispute %s on %s open past SLA, escalated", dispute.DisputeID, dispute.TransactionID)
	}
}

// fetchStale reads a batch of stale transactions, retrying transient
// store errors before giving up on the pass.
func (e *Engine) fetchStale(ctx context.Context, status model.Status, before time.Time, limit int) ([]*model.Transaction, error) {
	var stale []*model.Transaction
	operation := func() error {
		var err error
		stale, err = e.datasource.GetStaleTransactions(ctx, status, before, limit)
		if err != nil && !apierror.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return stale, nil
}
