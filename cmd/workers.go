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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/satsback/satsback"
	"github.com/satsback/satsback/cashu"
	"github.com/satsback/satsback/config"
	redis_db "github.com/satsback/satsback/internal/redis-db"
)

// deliverReward processes a reward delivery task: it dispatches the
// payout and notifies the customer. Errors push the task back for
// asynq's retry; DeliverReward itself marks the reward FAILED when the
// payout is rejected, so a retried task of a failed reward is a no-op.
func (b *satsbackInstance) deliverReward(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("satsback.rewards.worker").Start(ctx, "Deliver Reward From Redis Queue")
	defer span.End()

	var payload satsback.DeliveryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.satsback.DeliverReward(ctx, payload.RewardID); err != nil {
		logrus.Infof("Reward %s pushed back for retry due to error: %v", payload.RewardID, err)
		return err
	}

	log.Println(" [*] Reward Delivered", payload.RewardID)
	return nil
}

// processInvoiceEvent processes a deferred commerce transaction. The
// reward store's idempotency makes redelivered tasks harmless.
func (b *satsbackInstance) processInvoiceEvent(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("satsback.rewards.worker").Start(ctx, "Process Invoice Event From Redis Queue")
	defer span.End()

	var payload satsback.EventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	issue, err := b.satsback.ProcessTransaction(ctx, payload.StoreID, &payload.Transaction)
	if err != nil {
		// Ineligibility is terminal; retrying cannot make a zero-sat
		// reward or a disabled store eligible.
		var notEligible *satsback.ErrNotEligible
		if errors.As(err, &notEligible) {
			logrus.Infof("Transaction %s not eligible for a reward: %s", payload.Transaction.TransactionID, notEligible.Reason)
			return nil
		}
		logrus.Infof("Transaction %s pushed back for retry due to error: %v", payload.Transaction.TransactionID, err)
		return err
	}

	log.Println(" [*] Transaction Processed", payload.Transaction.TransactionID, "reward", issue.RewardID)
	return nil
}

// startExpiryLoop periodically expires sent rewards whose claim window
// has lapsed.
func (b *satsbackInstance) startExpiryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := b.satsback.ExpireStaleRewards(ctx)
				if err != nil {
					logrus.WithError(err).Error("reward expiry sweep failed")
					continue
				}
				if expired > 0 {
					log.Printf(" [*] Expired %d unclaimed rewards", expired)
				}
			}
		}
	}()
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.DeliveryQueue] = 3
	queues[cfg.Queue.EventQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *satsbackInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.DeliveryQueue, b.deliverReward)
	mux.HandleFunc(cfg.Queue.EventQueue, b.processInvoiceEvent)
}

// startMonitoringServer exposes the asynqmon dashboard for queue
// inspection.
func startMonitoringServer(conf *config.Configuration) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Printf("Error parsing Redis URL for monitoring: %v", err)
		return
	}

	h := asynqmon.New(asynqmon.Options{
		RootPath: "/monitoring",
		RedisConnOpt: asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
	})

	mux := http.NewServeMux()
	mux.Handle(h.RootPath()+"/", h)

	go func() {
		log.Printf("Monitoring dashboard on http://localhost:%s/monitoring", conf.Queue.MonitoringPort)
		if err := http.ListenAndServe(":"+conf.Queue.MonitoringPort, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("Monitoring server error: %v", err)
		}
	}()
}

// workerCommands defines the "workers" command. The workers consume the
// delivery and event queues, run the failed-transaction sweep and expire
// stale rewards.
func workerCommands(b *satsbackInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start satsback workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			sweeper := cashu.NewSweeper(b.satsback.Wallet(),
				time.Duration(conf.Sweep.IntervalSec)*time.Second, conf.Sweep.MaxRetries)
			sweeper.Start()
			defer sweeper.Stop()

			recovery := satsback.NewRewardRecoveryProcessor(b.satsback)
			recovery.Start(ctx)
			defer recovery.Stop()

			b.startExpiryLoop(ctx)
			startMonitoringServer(conf)

			if err := srv.Run(mux); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
