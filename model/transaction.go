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

package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the closed set of sale lifecycle states. Transitions are
// only legal when allowedTransitions says so; both user-triggered and
// sweeper-triggered transitions go through the same table.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaymentProcessing Status = "PAYMENT_PROCESSING"
	StatusEscrowHeld        Status = "ESCROW_HELD"
	StatusCompleted         Status = "COMPLETED"
	StatusCanceled          Status = "CANCELED"
	StatusRefunded          Status = "REFUNDED"
	StatusDisputed          Status = "DISPUTED"
	StatusResolvedBuyer     Status = "RESOLVED_BUYER"
	StatusResolvedSeller    Status = "RESOLVED_SELLER"
	StatusResolvedSplit     Status = "RESOLVED_SPLIT"
)

var allowedTransitions = map[Status][]Status{
	StatusPending:           {StatusPaymentProcessing, StatusCanceled},
	StatusPaymentProcessing: {StatusEscrowHeld, StatusPending, StatusCanceled, StatusDisputed},
	StatusEscrowHeld:        {StatusCompleted, StatusRefunded, StatusDisputed},
	StatusDisputed:          {StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedSplit},
}

// CanTransitionTo reports whether a transition from s to target is
// legal under the lifecycle table.
func (s Status) CanTransitionTo(target Status) bool {
	for _, next := range allowedTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Transaction is the sale aggregate. Marketplace metadata (title,
// listing contents) lives with the caller; the engine owns only the
// financial state. Transactions are never deleted.
type Transaction struct {
	ID             int64                  `json:"-"`
	TransactionID  string                 `json:"transaction_id"`
	ListingRef     string                 `json:"listing_ref"`
	BuyerID        string                 `json:"buyer_id"`
	SellerID       string                 `json:"seller_id"`
	BuyerWalletID  string                 `json:"buyer_wallet_id,omitempty"`
	SellerWalletID string                 `json:"seller_wallet_id,omitempty"`
	Amount         int64                  `json:"amount"`
	Currency       string                 `json:"currency"`
	FeeAmount      int64                  `json:"fee_amount"`
	Status         Status                 `json:"status"`
	HoldID         string                 `json:"hold_id,omitempty"`
	DisputeID      string                 `json:"dispute_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	EscrowHeldAt   *time.Time             `json:"escrow_held_at,omitempty"`
	ClosedAt       *time.Time             `json:"closed_at,omitempty"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
}

func (t *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// HistoryEvent is one row of the append-only transition audit trail.
type HistoryEvent struct {
	ID            int64     `json:"-"`
	EventID       string    `json:"event_id"`
	TransactionID string    `json:"transaction_id"`
	FromStatus    Status    `json:"from_status"`
	ToStatus      Status    `json:"to_status"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// FeeForAmount computes the platform fee in minor units for a captured
// amount at the given basis points, rounding half up. The fee never
// exceeds the amount itself.
func FeeForAmount(amount, feeBPS int64) int64 {
	if amount <= 0 || feeBPS <= 0 {
		return 0
	}
	fee := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(feeBPS)).
		DivRound(decimal.NewFromInt(10000), 0).
		IntPart()
	if fee > amount {
		return amount
	}
	return fee
}

// SplitAmount divides a held amount between buyer and seller for a
// split dispute resolution. buyerRatio is the fraction returned to the
// buyer; the seller share is the exact remainder so the two always sum
// to the original amount.
func SplitAmount(amount int64, buyerRatio decimal.Decimal) (buyerShare, sellerShare int64) {
	if amount <= 0 {
		return 0, 0
	}
	buyerShare = decimal.NewFromInt(amount).Mul(buyerRatio).Round(0).IntPart()
	if buyerShare < 0 {
		buyerShare = 0
	}
	if buyerShare > amount {
		buyerShare = amount
	}
	return buyerShare, amount - buyerShare
}
