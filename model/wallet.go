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
	"time"
)

// Balance mutation errors. The database layer maps these onto the API
// error taxonomy; inside the model they stay plain sentinels so the
// arithmetic can be tested without any infrastructure.
var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient available funds")
	ErrInsufficientHeld  = errors.New("held balance lower than requested amount")
	ErrWalletNotActive   = errors.New("wallet is not active")
)

type WalletStatus string

const (
	WalletActive  WalletStatus = "ACTIVE"
	WalletBlocked WalletStatus = "BLOCKED"
	WalletClosed  WalletStatus = "CLOSED"
)

// Wallet holds one (owner, currency) pair of balances in integer minor
// units. Available and Held are a materialized view over the ledger
// entry log; they are only ever mutated through the methods below, and
// the database layer persists them together with the entry that caused
// the change under one SQL transaction.
type Wallet struct {
	ID        int64                  `json:"-"`
	WalletID  string                 `json:"wallet_id"`
	OwnerID   string                 `json:"owner_id"`
	Currency  string                 `json:"currency"`
	Available int64                  `json:"available"`
	Held      int64                  `json:"held"`
	Status    WalletStatus           `json:"status"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
}

// EntryReason is the audit code recorded with every ledger entry.
type EntryReason string

const (
	ReasonDeposit    EntryReason = "DEPOSIT"
	ReasonWithdrawal EntryReason = "WITHDRAWAL"
	ReasonHold       EntryReason = "HOLD"
	ReasonRelease    EntryReason = "RELEASE"
	ReasonCapture    EntryReason = "CAPTURE"
	ReasonFee        EntryReason = "FEE"
	ReasonExpiry     EntryReason = "EXPIRY"
)

// LedgerEntry is an immutable, append-only record of a balance change.
// Amount is signed: positive for credits to the wallet's total
// (available + held), negative for debits. Entries are never updated
// or deleted; a correction is a new offsetting entry.
type LedgerEntry struct {
	ID             int64       `json:"-"`
	EntryID        string      `json:"entry_id"`
	WalletID       string      `json:"wallet_id"`
	Amount         int64       `json:"amount"`
	Currency       string      `json:"currency"`
	Reason         EntryReason `json:"reason"`
	TransactionRef string      `json:"transaction_ref"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (w *Wallet) active() error {
	if w.Status != WalletActive {
		return ErrWalletNotActive
	}
	return nil
}

// CreditAvailable increases the available balance.
func (w *Wallet) CreditAvailable(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := w.active(); err != nil {
		return err
	}
	w.Available += amount
	return nil
}

// DebitAvailable decreases the available balance, failing rather than
// letting it go negative. There is no overdraft in the engine.
func (w *Wallet) DebitAvailable(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := w.active(); err != nil {
		return err
	}
	if w.Available < amount {
		return ErrInsufficientFunds
	}
	w.Available -= amount
	return nil
}

// MoveAvailableToHeld carves funds out of the available balance into
// the held balance. This is the first leg of an escrow hold.
func (w *Wallet) MoveAvailableToHeld(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := w.active(); err != nil {
		return err
	}
	if w.Available < amount {
		return ErrInsufficientFunds
	}
	w.Available -= amount
	w.Held += amount
	return nil
}

// MoveHeldToAvailable returns held funds to the available balance.
// Used when a hold is released or expired.
func (w *Wallet) MoveHeldToAvailable(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if w.Held < amount {
		return ErrInsufficientHeld
	}
	w.Held -= amount
	w.Available += amount
	return nil
}

// DebitHeld removes funds from the held balance entirely. The paired
// credit lands on another wallet (seller payout, fee wallet) in the
// same logical operation.
func (w *Wallet) DebitHeld(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if w.Held < amount {
		return ErrInsufficientHeld
	}
	w.Held -= amount
	return nil
}

// Total returns available + held, the wallet's share of the
// conservation invariant.
func (w *Wallet) Total() int64 {
	return w.Available + w.Held
}
