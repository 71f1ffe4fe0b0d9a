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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tradepost/escrow/config"
	redis_db "github.com/tradepost/escrow/internal/redis-db"
	"github.com/tradepost/escrow/model"
)

// Queue wraps the asynq client used for outbound event delivery and
// scheduled hold expiry.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(fmt.Sprintf("redis://%s", conf.Redis.Dns), conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueLifecycleEvent queues an event for webhook delivery. The task
// ID carries the dedup key, so re-publishing the same logical event
// (same transaction, same status) is a no-op rather than a duplicate
// webhook.
func (q *Queue) EnqueueLifecycleEvent(event LifecycleEvent) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(event.DedupKey()),
		asynq.Queue(cfg.Queue.WebhookQueue),
		asynq.Retention(24 * time.Hour),
	}
	task := asynq.NewTask(cfg.Queue.WebhookQueue, payload, taskOptions...)
	if _, err := q.Client.Enqueue(task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	return nil
}

// queueHoldExpiry schedules a task to fire when the hold's ttl
// elapses. The worker decides what the expiry means from the
// transaction's state at that time.
func (q *Queue) queueHoldExpiry(hold *model.Hold) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(hold.HoldID)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(hold.HoldID),
		asynq.Queue(cfg.Queue.HoldExpiryQueue),
		asynq.ProcessIn(time.Until(hold.ExpiresAt)),
	}
	task := asynq.NewTask(cfg.Queue.HoldExpiryQueue, payload, taskOptions...)
	if _, err := q.Client.Enqueue(task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	return nil
}
