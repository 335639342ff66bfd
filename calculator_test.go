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
	"errors"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/model"
)

func newTestSatsback() *Satsback {
	return &Satsback{
		rates: &RateService{
			providers:       make(map[string]RateProvider),
			defaultProvider: "kraken",
			fallbackRate:    decimal.NewFromInt(config.DefaultFallbackRate),
		},
		lightning: &LightningClient{},
		onchain:   &OnchainClient{},
	}
}

func testTransaction(amount string) *model.Transaction {
	return &model.Transaction{
		TransactionID: "txn_1",
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		Platform:      model.PlatformShopify,
	}
}

func TestComputeReward_FallbackRate(t *testing.T) {
	service := newTestSatsback()
	settings := &model.StoreSettings{
		StoreID:                  "store_1",
		ExternalRewardPercentage: decimal.NewFromInt(1),
	}

	// 100 USD at 1% is 1 USD; at the 50,000 fallback rate that is
	// 0.00002 BTC, or 2000 sats.
	sats, usedFallback, err := service.ComputeReward(context.Background(), settings, testTransaction("100"))
	require.NoError(t, err)
	assert.True(t, usedFallback)
	assert.Equal(t, int64(2000), sats)
}

func TestComputeReward_ProviderRate(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", testKrakenURL+"?pair=XBTUSD",
		httpmock.NewStringResponder(200, `{"error":[],"result":{"XXBTZUSD":{"b":["100000","1","1.000"]}}}`))

	service := newTestSatsback()
	service.rates.Register(NewKrakenProvider(testKrakenURL))
	settings := &model.StoreSettings{
		StoreID:                  "store_1",
		ExternalRewardPercentage: decimal.NewFromInt(2),
	}

	// 50 USD at 2% is 1 USD; at 100,000 per BTC that is 1000 sats.
	sats, usedFallback, err := service.ComputeReward(context.Background(), settings, testTransaction("50"))
	require.NoError(t, err)
	assert.False(t, usedFallback)
	assert.Equal(t, int64(1000), sats)
}

func TestComputeReward_DisabledPlatform(t *testing.T) {
	service := newTestSatsback()
	settings := &model.StoreSettings{
		StoreID:                  "store_1",
		ExternalRewardPercentage: decimal.Zero,
		BtcpayRewardPercentage:   decimal.NewFromInt(1),
	}

	_, _, err := service.ComputeReward(context.Background(), settings, testTransaction("100"))
	var notEligible *ErrNotEligible
	require.True(t, errors.As(err, &notEligible))
	assert.Contains(t, notEligible.Reason, "disabled")
}

func TestComputeReward_BtcpayPercentageIndependent(t *testing.T) {
	service := newTestSatsback()
	settings := &model.StoreSettings{
		StoreID:                  "store_1",
		ExternalRewardPercentage: decimal.Zero,
		BtcpayRewardPercentage:   decimal.NewFromInt(1),
	}
	txn := testTransaction("100")
	txn.Platform = model.PlatformBtcpay

	sats, usedFallback, err := service.ComputeReward(context.Background(), settings, txn)
	require.NoError(t, err)
	assert.True(t, usedFallback)
	assert.Equal(t, int64(2000), sats)
}

func TestComputeReward_BelowMinimum(t *testing.T) {
	service := newTestSatsback()
	settings := &model.StoreSettings{
		StoreID:                  "store_1",
		ExternalRewardPercentage: decimal.NewFromInt(1),
		MinimumTransactionAmount: decimal.NewFromInt(25),
	}

	_, _, err := service.ComputeReward(context.Background(), settings, testTransaction("10"))
	var notEligible *ErrNotEligible
	require.True(t, errors.As(err, &notEligible))
	assert.Contains(t, notEligible.Reason, "below store minimum")
}

func TestComputeReward_CapApplied(t *testing.T) {
	service := newTestSatsback()
	settings := &model.StoreSettings{
		StoreID:                  "store_1",
		ExternalRewardPercentage: decimal.NewFromInt(10),
		MaxRewardSats:            500,
	}

	// Uncapped this would be 20,000 sats.
	sats, _, err := service.ComputeReward(context.Background(), settings, testTransaction("1000"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), sats)
}

func TestComputeReward_RoundsDownToZero(t *testing.T) {
	service := newTestSatsback()
	settings := &model.StoreSettings{
		StoreID:                  "store_1",
		ExternalRewardPercentage: decimal.NewFromFloat(0.01),
	}

	// 0.01% of 0.01 USD is far below one satoshi.
	_, _, err := service.ComputeReward(context.Background(), settings, testTransaction("0.01"))
	var notEligible *ErrNotEligible
	require.True(t, errors.As(err, &notEligible))
	assert.Contains(t, notEligible.Reason, "zero satoshis")
}
