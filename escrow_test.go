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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"

	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/database"
	"github.com/tradepost/escrow/model"
)

var walletTestColumns = []string{"wallet_id", "owner_id", "currency", "available", "held", "status", "version", "created_at", "meta_data"}

var holdTestColumns = []string{"hold_id", "wallet_id", "transaction_id", "amount", "currency", "status", "created_at", "expires_at"}

var transactionTestColumns = []string{
	"transaction_id", "listing_ref", "buyer_id", "seller_id", "buyer_wallet_id", "seller_wallet_id",
	"amount", "currency", "fee_amount", "status", "hold_id", "dispute_id", "idempotency_key",
	"created_at", "escrow_held_at", "closed_at", "meta_data",
}

var disputeTestColumns = []string{
	"dispute_id", "transaction_id", "opener_id", "reason", "evidence_refs", "status",
	"resolution_note", "resolver_id", "split_ratio", "opened_at", "escalated_at", "resolved_at",
}

// newTestEngine wires an Engine against a stub database and an
// in-process Redis, so lock acquisition and task scheduling run for
// real while every SQL statement is asserted.
func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %s", err)
	}
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	engine, err := NewEngine(database.Datasource{Conn: db})
	if err != nil {
		t.Fatalf("failed to create engine: %s", err)
	}
	return engine, mock
}

func walletRow(walletID, ownerID, currency string, available, held, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(walletTestColumns).
		AddRow(walletID, ownerID, currency, available, held, model.WalletActive, version, time.Now(), `{}`)
}

func holdRow(holdID, walletID, transactionID string, amount int64, status model.HoldStatus) *sqlmock.Rows {
	return sqlmock.NewRows(holdTestColumns).
		AddRow(holdID, walletID, transactionID, amount, "USD", status, time.Now(), time.Now().Add(72*time.Hour))
}
