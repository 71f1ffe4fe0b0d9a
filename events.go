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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/internal/request"
	"github.com/tradepost/escrow/model"
)

// LifecycleEvent is the wire format delivered to the configured
// webhook: notifications, search indexing and other marketplace
// surfaces hang off these. Delivery is at-least-once; the dedup key
// keeps re-publishes from becoming duplicate webhooks.
type LifecycleEvent struct {
	Event         string      `json:"event"`
	TransactionID string      `json:"transaction_id"`
	FromStatus    string      `json:"from_status,omitempty"`
	ToStatus      string      `json:"to_status,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Data          interface{} `json:"data"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// DedupKey identifies the logical event: one webhook per transaction
// per reached status.
func (ev LifecycleEvent) DedupKey() string {
	if ev.ToStatus != "" {
		return fmt.Sprintf("%s:%s", ev.TransactionID, ev.ToStatus)
	}
	return fmt.Sprintf("%s:%s", ev.TransactionID, ev.Event)
}

// publishStatusChange emits the event for a completed transition.
// Publishing is best-effort: a failed enqueue is logged, never
// propagated, since the transition itself already committed.
func (e *Engine) publishStatusChange(txn *model.Transaction, from model.Status, reason string) {
	event := LifecycleEvent{
		Event:         "transaction.status_changed",
		TransactionID: txn.TransactionID,
		FromStatus:    string(from),
		ToStatus:      string(txn.Status),
		Reason:        reason,
		Data:          txn,
		OccurredAt:    time.Now(),
	}
	if from == "" {
		event.Event = "transaction.created"
	}
	if err := e.queue.EnqueueLifecycleEvent(event); err != nil {
		logrus.Errorf("failed to publish %s for %s: %v", event.Event, txn.TransactionID, err)
	}
}

func (e *Engine) publishDisputeEvent(name string, dispute *model.Dispute) {
	event := LifecycleEvent{
		Event:         name,
		TransactionID: dispute.TransactionID,
		Data:          dispute,
		OccurredAt:    time.Now(),
	}
	if err := e.queue.EnqueueLifecycleEvent(event); err != nil {
		logrus.Errorf("failed to publish %s for %s: %v", name, dispute.TransactionID, err)
	}
}

// deliverWebhook POSTs the event to the configured webhook endpoint.
func deliverWebhook(event LifecycleEvent) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := request.ToJsonReq(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, conf.Notification.Webhook.Url, payload)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery failed with status %d", resp.StatusCode)
	}
	return nil
}

// ProcessLifecycleEvent is the asynq handler for the webhook queue.
// Returning an error lets asynq retry with its backoff schedule.
func ProcessLifecycleEvent(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var event LifecycleEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		logrus.Errorf("malformed lifecycle event payload: %v", err)
		return err
	}
	logrus.Infof("delivering %s for %s", event.Event, event.TransactionID)
	return deliverWebhook(event)
}

// ProcessHoldExpiry is the asynq handler for scheduled hold expiries.
// What an elapsed ttl means depends on where the sale is now:
// ESCROW_HELD auto-releases in the seller's favor, a dispute keeps the
// funds held, and anything terminal means the hold was already
// resolved.
func (e *Engine) ProcessHoldExpiry(ctx context.Context, task *asynq.Task) error {
	var holdID string
	if err := json.Unmarshal(task.Payload(), &holdID); err != nil {
		logrus.Errorf("malformed hold expiry payload: %v", err)
		return err
	}

	hold, err := e.datasource.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	if !hold.IsActive() {
		return nil
	}

	txn, err := e.datasource.GetTransaction(ctx, hold.TransactionID)
	if err != nil {
		return err
	}
	switch txn.Status {
	case model.StatusEscrowHeld:
		_, err := e.ConfirmDelivery(ctx, txn.TransactionID, model.ActorSystem)
		return err
	case model.StatusDisputed:
		// Disputed funds stay held until an explicit resolution.
		return nil
	case model.StatusPaymentProcessing:
		_, err := e.Cancel(ctx, txn.TransactionID, model.ActorSystem)
		return err
	default:
		return nil
	}
}
