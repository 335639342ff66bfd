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
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/satsback/satsback/cashu"
	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/database"
	redis_db "github.com/satsback/satsback/internal/redis-db"
)

var tracer = otel.Tracer("satsback.rewards")

// Satsback is the reward issuance service. It ties the inbound
// normalizers, the reward calculator, the payout dispatcher and the
// ecash wallet to one datasource.
type Satsback struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	wallet     *cashu.Wallet
	rates      *RateService
	lightning  *LightningClient
	onchain    *OnchainClient
	square     *SquareClient
}

func NewSatsback(db database.IDataSource) (*Satsback, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}

	newQueue := NewQueue(configuration)
	rates, err := NewRateService(configuration)
	if err != nil {
		return nil, err
	}

	return &Satsback{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		wallet:     cashu.NewWallet(db, cashu.NewMintClient(), redisClient.Client()),
		rates:      rates,
		lightning:  NewLightningClient(configuration),
		onchain:    NewOnchainClient(configuration),
		square:     NewSquareClient(configuration),
	}, nil
}

// Wallet exposes the ecash wallet, mainly for the sweep worker and the
// balance endpoint.
func (s *Satsback) Wallet() *cashu.Wallet {
	return s.wallet
}

// Rates exposes the fiat conversion service.
func (s *Satsback) Rates() *RateService {
	return s.rates
}

// Queue exposes the task queue for the API layer and the workers.
func (s *Satsback) Queue() *Queue {
	return s.queue
}
