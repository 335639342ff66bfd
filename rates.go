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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/internal/cache"
	"github.com/satsback/satsback/internal/request"
)

// RateProvider quotes the price of one BTC in a fiat currency.
type RateProvider interface {
	Name() string
	BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error)
}

// RateService converts fiat amounts to BTC. Provider lookups degrade,
// never fail: an unknown provider falls back to the default provider,
// and a failed quote falls back to a fixed configured rate, so a mispriced
// reward is possible but a missed one is not.
type RateService struct {
	providers       map[string]RateProvider
	defaultProvider string
	fallbackRate    decimal.Decimal
	cache           cache.Cache
	cacheTTL        time.Duration
}

func NewRateService(conf *config.Configuration) (*RateService, error) {
	cacheInstance, err := cache.NewCache()
	if err != nil {
		logrus.WithError(err).Warn("rate cache unavailable, every conversion will hit the provider")
		cacheInstance = nil
	}

	service := &RateService{
		providers:       make(map[string]RateProvider),
		defaultProvider: conf.Rates.DefaultProvider,
		fallbackRate:    decimal.NewFromFloat(conf.Rates.FallbackRate),
		cache:           cacheInstance,
		cacheTTL:        time.Duration(conf.Rates.CacheTTLSeconds) * time.Second,
	}
	service.Register(NewKrakenProvider(conf.Rates.KrakenURL))
	return service, nil
}

// Register adds a provider under its name. Later registrations replace
// earlier ones.
func (r *RateService) Register(provider RateProvider) {
	r.providers[strings.ToLower(provider.Name())] = provider
}

// BTCRate returns the units-per-BTC rate for a currency from the named
// provider. The second return reports whether the fixed fallback rate was
// used.
func (r *RateService) BTCRate(ctx context.Context, providerName, currency string) (decimal.Decimal, bool) {
	currency = strings.ToUpper(currency)

	provider, ok := r.providers[strings.ToLower(providerName)]
	if !ok {
		provider, ok = r.providers[strings.ToLower(r.defaultProvider)]
		if !ok {
			logrus.Warnf("no rate provider registered, using fallback rate for %s", currency)
			return r.fallbackRate, true
		}
	}

	cacheKey := fmt.Sprintf("rate:%s:%s", provider.Name(), currency)
	if r.cache != nil {
		var cached string
		if err := r.cache.Get(ctx, cacheKey, &cached); err == nil && cached != "" {
			if rate, err := decimal.NewFromString(cached); err == nil {
				return rate, false
			}
		}
	}

	rate, err := provider.BTCPrice(ctx, currency)
	if err != nil || rate.LessThanOrEqual(decimal.Zero) {
		logrus.WithError(err).Warnf("rate provider %s failed for %s, using fallback rate", provider.Name(), currency)
		return r.fallbackRate, true
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey, rate.String(), r.cacheTTL); err != nil {
			logrus.WithError(err).Debug("failed to cache rate")
		}
	}
	return rate, false
}

// ConvertToBTC converts a fiat amount to BTC using the provider's rate,
// or the fallback rate when the provider path fails. It never returns an
// error: conversion always produces a number.
func (r *RateService) ConvertToBTC(ctx context.Context, amount decimal.Decimal, currency, providerName string) (decimal.Decimal, bool) {
	if strings.EqualFold(currency, "BTC") {
		return amount, false
	}
	rate, usedFallback := r.BTCRate(ctx, providerName, currency)
	return amount.DivRound(rate, 18), usedFallback
}

// KrakenProvider reads spot prices from Kraken's public ticker.
type KrakenProvider struct {
	url string
}

func NewKrakenProvider(url string) *KrakenProvider {
	return &KrakenProvider{url: url}
}

func (k *KrakenProvider) Name() string {
	return "kraken"
}

type krakenTickerResponse struct {
	Error  []string `json:"error"`
	Result map[string]struct {
		Bid []string `json:"b"`
	} `json:"result"`
}

func (k *KrakenProvider) BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s?pair=XBT%s", k.url, strings.ToUpper(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var ticker krakenTickerResponse
	resp, err := request.Call(req, &ticker)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("kraken returned status %d", resp.StatusCode)
	}
	if len(ticker.Error) > 0 {
		return decimal.Zero, fmt.Errorf("kraken error: %s", strings.Join(ticker.Error, "; "))
	}

	// Kraken prefixes pair names unpredictably (XXBTZUSD, XBTUSDT);
	// the response carries a single requested pair either way.
	for _, pair := range ticker.Result {
		if len(pair.Bid) == 0 {
			break
		}
		price, err := decimal.NewFromString(pair.Bid[0])
		if err != nil {
			return decimal.Zero, fmt.Errorf("parsing kraken price: %w", err)
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("kraken returned no ticker for XBT%s", strings.ToUpper(currency))
}
