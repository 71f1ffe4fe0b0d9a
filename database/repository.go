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

package database

import (
	"context"
	"time"

	"github.com/tradepost/escrow/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	wallet      // Wallet and ledger entry operations (the Ledger Store)
	hold        // Escrow hold operations
	transaction // Sale lifecycle operations
	dispute     // Dispute operations
}

// wallet defines the Ledger Store primitives. ApplyBalanceChanges is
// the single atomic boundary in the engine: every balance update
// commits together with the ledger entry that caused it, or not at all.
type wallet interface {
	CreateWallet(ctx context.Context, wallet model.Wallet) (model.Wallet, error)
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID, currency string) (*model.Wallet, error)
	UpdateWalletStatus(ctx context.Context, id string, status model.WalletStatus) error
	ApplyBalanceChanges(ctx context.Context, changes []BalanceChange) error
	GetLedgerEntries(ctx context.Context, walletID string, limit, offset int) ([]model.LedgerEntry, error)
	SumLedgerEntries(ctx context.Context, walletID string) (int64, error)
}

// hold defines escrow hold persistence. Placement and resolution each
// commit the hold row change together with its balance changes in one
// SQL transaction, so a hold can never disagree with the ledger.
type hold interface {
	ApplyHoldPlacement(ctx context.Context, hold *model.Hold, change BalanceChange) error
	ApplyHoldResolution(ctx context.Context, hold *model.Hold, fromStatus model.HoldStatus, fromAmount int64, changes []BalanceChange) error
	GetHold(ctx context.Context, id string) (*model.Hold, error)
	GetActiveHoldByTransaction(ctx context.Context, transactionID string) (*model.Hold, error)
	SumActiveHolds(ctx context.Context, walletID string) (int64, error)
}

// transaction defines sale persistence. UpdateTransactionTransition is
// conditional on the expected source status; a concurrent writer that
// got there first leaves zero rows affected and the loser observes an
// invalid-transition error.
type transaction interface {
	RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error)
	UpdateTransactionTransition(ctx context.Context, txn *model.Transaction, from model.Status) error
	ListTransactionsByParty(ctx context.Context, partyID string, limit, offset int) ([]model.Transaction, error)
	GetStaleTransactions(ctx context.Context, status model.Status, before time.Time, limit int) ([]*model.Transaction, error)
	RecordHistoryEvent(ctx context.Context, event *model.HistoryEvent) error
	GetTransactionHistory(ctx context.Context, transactionID string) ([]model.HistoryEvent, error)
}

// dispute defines dispute persistence.
type dispute interface {
	RecordDispute(ctx context.Context, dispute *model.Dispute) (*model.Dispute, error)
	GetDispute(ctx context.Context, id string) (*model.Dispute, error)
	GetDisputeByTransaction(ctx context.Context, transactionID string) (*model.Dispute, error)
	ResolveDisputeRecord(ctx context.Context, dispute *model.Dispute) error
	MarkDisputeEscalated(ctx context.Context, disputeID string, at time.Time) error
	GetOpenDisputesOlderThan(ctx context.Context, before time.Time, limit int) ([]*model.Dispute, error)
}

// BalanceChange pairs a wallet's post-mutation balances with the
// ledger entry that produced them. Entry is nil for movements that do
// not touch the available balance, such as the buyer-side held debit
// of a capture; those are audited through the hold row instead.
type BalanceChange struct {
	Wallet *model.Wallet
	Entry  *model.LedgerEntry
}
