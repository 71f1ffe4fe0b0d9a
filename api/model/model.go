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
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tradepost/escrow/model"
)

type CreateWallet struct {
	OwnerID  string                 `json:"owner_id"`
	Currency string                 `json:"currency"`
	MetaData map[string]interface{} `json:"meta_data"`
}

func (w *CreateWallet) ValidateCreateWallet() error {
	return validation.ValidateStruct(w,
		validation.Field(&w.OwnerID, validation.Required),
		validation.Field(&w.Currency, validation.Required, validation.Length(3, 8)),
	)
}

func (w *CreateWallet) ToWallet() model.Wallet {
	return model.Wallet{OwnerID: w.OwnerID, Currency: w.Currency, MetaData: w.MetaData}
}

// BalanceOperation covers deposits and withdrawals. The reference is
// the caller's idempotency handle: the same reference is applied at
// most once per wallet.
type BalanceOperation struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (o *BalanceOperation) ValidateBalanceOperation() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.Amount, validation.Required, validation.Min(1)),
		validation.Field(&o.Reference, validation.Required),
	)
}

type UpdateWalletStatus struct {
	Status string `json:"status"`
}

func (s *UpdateWalletStatus) ValidateUpdateWalletStatus() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Status, validation.Required,
			validation.In(string(model.WalletActive), string(model.WalletBlocked), string(model.WalletClosed))),
	)
}

type CreateTransaction struct {
	ListingRef string                 `json:"listing_ref"`
	BuyerID    string                 `json:"buyer_id"`
	SellerID   string                 `json:"seller_id"`
	Amount     int64                  `json:"amount"`
	Currency   string                 `json:"currency"`
	MetaData   map[string]interface{} `json:"meta_data"`
}

func (t *CreateTransaction) ValidateCreateTransaction() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.ListingRef, validation.Required),
		validation.Field(&t.BuyerID, validation.Required),
		validation.Field(&t.SellerID, validation.Required),
		validation.Field(&t.Amount, validation.Required, validation.Min(1)),
		validation.Field(&t.Currency, validation.Required, validation.Length(3, 8)),
	)
}

func (t *CreateTransaction) ToTransaction() *model.Transaction {
	return &model.Transaction{
		ListingRef: t.ListingRef,
		BuyerID:    t.BuyerID,
		SellerID:   t.SellerID,
		Amount:     t.Amount,
		Currency:   t.Currency,
		MetaData:   t.MetaData,
	}
}

type InitiatePayment struct {
	WalletID       string `json:"wallet_id"`
	IdempotencyKey string `json:"idempotency_key"`
	ActorID        string `json:"actor_id"`
}

func (p *InitiatePayment) ValidateInitiatePayment() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WalletID, validation.Required),
		validation.Field(&p.IdempotencyKey, validation.Required),
		validation.Field(&p.ActorID, validation.Required),
	)
}

// ActorAction identifies who is driving a confirm, cancel or refund.
type ActorAction struct {
	ActorID string `json:"actor_id"`
}

func (a *ActorAction) ValidateActorAction() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.ActorID, validation.Required),
	)
}

type OpenDispute struct {
	OpenerID     string   `json:"opener_id"`
	Reason       string   `json:"reason"`
	EvidenceRefs []string `json:"evidence_refs"`
}

func (d *OpenDispute) ValidateOpenDispute() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.OpenerID, validation.Required),
		validation.Field(&d.Reason, validation.Required),
	)
}

type ResolveDispute struct {
	ResolverID string  `json:"resolver_id"`
	Outcome    string  `json:"outcome"`
	SplitRatio float64 `json:"split_ratio"`
	Note       string  `json:"note"`
}

func (d *ResolveDispute) ValidateResolveDispute() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.ResolverID, validation.Required),
		validation.Field(&d.Outcome, validation.Required,
			validation.In(string(model.OutcomeBuyer), string(model.OutcomeSeller), string(model.OutcomeSplit))),
		validation.Field(&d.SplitRatio, validation.By(splitRatioValidation(d))),
	)
}

func splitRatioValidation(d *ResolveDispute) validation.RuleFunc {
	return func(value interface{}) error {
		if d.Outcome != string(model.OutcomeSplit) {
			return nil
		}
		if d.SplitRatio <= 0 || d.SplitRatio >= 1 {
			return errors.New("split_ratio must be strictly between 0 and 1 for a split outcome")
		}
		return nil
	}
}
