/*
Copyright 2025 Satsback Authors.

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

package satsback

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"

	"github.com/satsback/satsback/config"
	redis_db "github.com/satsback/satsback/internal/redis-db"
	"github.com/satsback/satsback/model"
)

// Queue hands work to the background workers over redis.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// DeliveryPayload is the task body for reward delivery.
type DeliveryPayload struct {
	RewardID string `json:"reward_id"`
}

// EventPayload is the task body for a deferred invoice event.
type EventPayload struct {
	StoreID     string            `json:"store_id"`
	Transaction model.Transaction `json:"transaction"`
}

func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
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

// EnqueueDelivery schedules the payout and customer notification for a
// pending reward. The task id is the reward id, so re-enqueueing the
// same reward is a no-op while the first task is still queued.
func (q *Queue) EnqueueDelivery(ctx context.Context, rewardID string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(DeliveryPayload{RewardID: rewardID})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(rewardID),
		asynq.Queue(cfg.Queue.DeliveryQueue),
	}
	task := asynq.NewTask(cfg.Queue.DeliveryQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued reward delivery: %s", rewardID)
	return nil
}

// EnqueueEvent defers processing of a normalized invoice transaction to
// the workers. The task id combines store and transaction, deduplicating
// repeated webhook deliveries before they reach the record store.
func (q *Queue) EnqueueEvent(ctx context.Context, storeID string, transaction *model.Transaction) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(EventPayload{StoreID: storeID, Transaction: *transaction})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(storeID + ":" + transaction.TransactionID),
		asynq.Queue(cfg.Queue.EventQueue),
	}
	task := asynq.NewTask(cfg.Queue.EventQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued invoice event: %s", transaction.TransactionID)
	return nil
}
