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

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/database"
	"github.com/tradepost/escrow/internal/apierror"
	redlock "github.com/tradepost/escrow/internal/lock"
	redis_db "github.com/tradepost/escrow/internal/redis-db"
	"github.com/tradepost/escrow/model"
)

// Lock windows for the per-wallet and per-transaction serialization.
// Holding a lock longer than lockTTL means losing it; callers waiting
// longer than lockWait give up with a conflict.
const (
	lockTTL  = 30 * time.Second
	lockWait = 5 * time.Second
)

// FeeWalletOwnerPrefix is the reserved owner namespace for platform
// fee wallets, one per currency.
const FeeWalletOwnerPrefix = "@fees_"

// Engine is the escrow transaction engine: the wallet ledger, the
// hold/capture/release primitives, the sale state machine and the
// dispute resolver, behind one service facade.
type Engine struct {
	datasource database.IDataSource
	redis      redis.UniversalClient
	queue      *Queue
}

// NewEngine initializes the engine with the provided datasource,
// wiring the Redis client used for distributed locks and the task
// queue used for event delivery and hold expiry.
func NewEngine(db database.IDataSource) (*Engine, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	return &Engine{datasource: db, redis: redisClient.Client(), queue: newQueue}, nil
}

// lockWallet serializes ledger mutations per wallet. Two transactions
// touching different wallets proceed fully in parallel.
func (e *Engine) lockWallet(ctx context.Context, walletID string) (*redlock.Locker, error) {
	locker := redlock.NewLocker(e.redis, redlock.WalletKey(walletID), model.GenerateUUIDWithPrefix("loc"))
	if err := locker.WaitLock(ctx, lockTTL, lockWait); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Wallet '%s' is busy, try again", walletID), err)
	}
	return locker, nil
}

// lockTransaction serializes state-machine calls per transaction, so
// two concurrent ConfirmDelivery and OpenDispute calls on the same
// transaction cannot both succeed.
func (e *Engine) lockTransaction(ctx context.Context, transactionID string) (*redlock.Locker, error) {
	locker := redlock.NewLocker(e.redis, redlock.TransactionKey(transactionID), model.GenerateUUIDWithPrefix("loc"))
	if err := locker.WaitLock(ctx, lockTTL, lockWait); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Transaction '%s' is busy, try again", transactionID), err)
	}
	return locker, nil
}

func unlock(locker *redlock.Locker, ctx context.Context) {
	if err := locker.Unlock(ctx); err != nil {
		logrus.Errorf("failed to release lock: %v", err)
	}
}

// getOrCreateWallet returns the owner's wallet in the given currency,
// creating it on first use. A creation race is resolved by re-reading.
func (e *Engine) getOrCreateWallet(ctx context.Context, ownerID, currency string) (*model.Wallet, error) {
	wallet, err := e.datasource.GetWalletByOwner(ctx, ownerID, currency)
	if err == nil {
		return wallet, nil
	}
	if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}
	created, err := e.datasource.CreateWallet(ctx, model.Wallet{OwnerID: ownerID, Currency: currency})
	if err != nil {
		if apierror.Is(err, apierror.ErrConflict) {
			return e.datasource.GetWalletByOwner(ctx, ownerID, currency)
		}
		return nil, err
	}
	return &created, nil
}

// feeWallet returns the platform fee wallet for a currency.
func (e *Engine) feeWallet(ctx context.Context, currency string) (*model.Wallet, error) {
	return e.getOrCreateWallet(ctx, FeeWalletOwnerPrefix+currency, currency)
}
