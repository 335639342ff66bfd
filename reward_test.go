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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/database"
	"github.com/satsback/satsback/model"
)

func staleRewardRows(rewardIDs []string, status string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"reward_id", "store_id", "transaction_id", "order_id", "invoice_id",
		"customer_email", "customer_phone", "platform", "amount_sats", "currency",
		"order_amount", "funding_source", "payout_reference", "token", "status",
		"error_reason", "meta_data", "created_at", "sent_at", "claimed_at",
	})
	sentAt := time.Now().Add(-100 * time.Hour)
	for _, id := range rewardIDs {
		rows.AddRow(
			id, "store_1", "txn_"+id, "", "",
			"", "", string(model.PlatformShopify), 2000, "USD",
			"100", "", "", "", status,
			"", []byte(`{}`), time.Now().Add(-101*time.Hour), sentAt, nil,
		)
	}
	return rows
}

func TestExpireStaleRewards(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := &Satsback{datasource: database.Datasource{Conn: db}}

	mock.ExpectQuery("WHERE status = ").
		WithArgs(model.StatusSent, config.DefaultClaimExpiryHours, 500).
		WillReturnRows(staleRewardRows([]string{"reward_1", "reward_2"}, model.StatusSent))
	mock.ExpectExec("UPDATE reward_issues").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE reward_issues").
		WillReturnResult(sqlmock.NewResult(0, 1))

	expired, err := service.ExpireStaleRewards(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, expired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireStaleRewards_NothingStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := &Satsback{datasource: database.Datasource{Conn: db}}

	mock.ExpectQuery("WHERE status = ").
		WithArgs(model.StatusSent, config.DefaultClaimExpiryHours, 500).
		WillReturnRows(staleRewardRows(nil, model.StatusSent))

	expired, err := service.ExpireStaleRewards(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, expired)
}

func TestRecoverStuckRewards_ReEnqueuesLostDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	config.MockConfig(&config.Configuration{
		Redis:      config.RedisConfig{Dns: mr.Addr()},
		DataSource: config.DataSourceConfig{Dns: "postgres://postgres:@localhost:5432/satsback?sslmode=disable"},
	})
	cfg, err := config.Fetch()
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := &Satsback{
		datasource: database.Datasource{Conn: db},
		queue:      NewQueue(cfg),
	}

	// One PENDING reward past the stuck threshold whose delivery task
	// is nowhere in the queue.
	mock.ExpectQuery("WHERE status = ").
		WithArgs(model.StatusPending, 10, 500).
		WillReturnRows(staleRewardRows([]string{"reward_stuck"}, model.StatusPending))

	recovered, err := service.RecoverStuckRewards(context.Background(), 10*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, recovered)

	info, err := service.queue.Inspector.GetTaskInfo(cfg.Queue.DeliveryQueue, "reward_stuck")
	require.NoError(t, err)
	assert.Equal(t, asynq.TaskStatePending, info.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStuckRewards_SkipsQueuedDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	config.MockConfig(&config.Configuration{
		Redis:      config.RedisConfig{Dns: mr.Addr()},
		DataSource: config.DataSourceConfig{Dns: "postgres://postgres:@localhost:5432/satsback?sslmode=disable"},
	})
	cfg, err := config.Fetch()
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := &Satsback{
		datasource: database.Datasource{Conn: db},
		queue:      NewQueue(cfg),
	}

	// The task is still pending in the queue; recovery must not enqueue
	// a duplicate.
	require.NoError(t, service.queue.EnqueueDelivery(context.Background(), "reward_queued"))

	mock.ExpectQuery("WHERE status = ").
		WithArgs(model.StatusPending, 10, 500).
		WillReturnRows(staleRewardRows([]string{"reward_queued"}, model.StatusPending))

	recovered, err := service.RecoverStuckRewards(context.Background(), 10*time.Minute)
	assert.NoError(t, err)
	assert.Zero(t, recovered)
}
