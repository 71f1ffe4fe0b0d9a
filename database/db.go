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
	"database/sql"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/internal/apierror"
)

// Singleton connection shared by server and worker commands.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	if err := CreateTables(db); err != nil {
		return nil, err
	}
	return db, nil
}

// CreateTables creates the engine's schema if it does not exist.
// The ledger entry and history event tables are append-only; the
// uniqueness constraints below are what make retries and concurrent
// transitions safe.
func CreateTables(db *sql.DB) error {
	for _, migration := range []func(*sql.DB) error{
		createWalletTable,
		createLedgerEntryTable,
		createTransactionTable,
		createHoldTable,
		createTransactionEventTable,
		createDisputeTable,
	} {
		if err := migration(db); err != nil {
			return err
		}
	}
	return nil
}

func createWalletTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS wallets (
			id SERIAL PRIMARY KEY,
			wallet_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			available BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
			held BIGINT NOT NULL DEFAULT 0 CHECK (held >= 0),
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB,
			UNIQUE (owner_id, currency)
		)
	`)
	return err
}

func createLedgerEntryTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id SERIAL PRIMARY KEY,
			entry_id TEXT NOT NULL UNIQUE,
			wallet_id TEXT NOT NULL REFERENCES wallets(wallet_id),
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			reason TEXT NOT NULL,
			transaction_ref TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (wallet_id, transaction_ref, reason)
		)
	`)
	return err
}

func createTransactionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id SERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			listing_ref TEXT,
			buyer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			buyer_wallet_id TEXT,
			seller_wallet_id TEXT,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			fee_amount BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			hold_id TEXT,
			dispute_id TEXT,
			idempotency_key TEXT UNIQUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			escrow_held_at TIMESTAMP,
			closed_at TIMESTAMP,
			meta_data JSONB
		)
	`)
	return err
}

func createHoldTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS holds (
			id SERIAL PRIMARY KEY,
			hold_id TEXT NOT NULL UNIQUE,
			wallet_id TEXT NOT NULL REFERENCES wallets(wallet_id),
			transaction_id TEXT NOT NULL REFERENCES transactions(transaction_id),
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	// One active hold per transaction, enforced by the store rather
	// than by callers checking first.
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_holds_active_per_transaction
		ON holds (transaction_id) WHERE status = 'ACTIVE'
	`)
	return err
}

func createTransactionEventTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transaction_events (
			id SERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			transaction_id TEXT NOT NULL REFERENCES transactions(transaction_id),
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func createDisputeTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS disputes (
			id SERIAL PRIMARY KEY,
			dispute_id TEXT NOT NULL UNIQUE,
			transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(transaction_id),
			opener_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			evidence_refs JSONB,
			status TEXT NOT NULL DEFAULT 'OPEN',
			resolution_note TEXT,
			resolver_id TEXT,
			split_ratio DOUBLE PRECISION,
			opened_at TIMESTAMP NOT NULL DEFAULT NOW(),
			escalated_at TIMESTAMP,
			resolved_at TIMESTAMP
		)
	`)
	return err
}

// isUniqueViolation reports whether err is a postgres unique
// constraint failure, optionally on a named constraint or index.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	if constraint == "" {
		return true
	}
	return strings.Contains(pqErr.Constraint, constraint) || strings.Contains(pqErr.Message, constraint)
}

// isUnavailable reports whether err looks like a transient
// infrastructure fault (connection refused, shutdown, resource
// exhaustion) as opposed to a constraint or data error.
func isUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "08" || class == "53" || class == "57"
	}
	return false
}

// wrapStoreError classifies a raw database error into the API error
// taxonomy, keeping transient faults distinguishable so callers can
// retry them.
func wrapStoreError(err error, message string) error {
	if isUnavailable(err) {
		return apierror.NewAPIError(apierror.ErrStoreUnavailable, message, err)
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, message, err)
}
