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

	"github.com/shopspring/decimal"

	"github.com/satsback/satsback/model"
)

var oneHundred = decimal.NewFromInt(100)

// ComputeReward applies a store's reward rules to a normalized
// transaction and returns the reward in satoshis. A zero return with a
// nil error never happens; ineligible transactions return ErrNotEligible
// with the rule that excluded them.
func (s *Satsback) ComputeReward(ctx context.Context, settings *model.StoreSettings, txn *model.Transaction) (int64, bool, error) {
	percentage := settings.PercentageFor(txn.Platform)
	if percentage.LessThanOrEqual(decimal.Zero) {
		return 0, false, &ErrNotEligible{Reason: fmt.Sprintf("rewards disabled for %s transactions", txn.Platform)}
	}
	if !settings.MinimumTransactionAmount.IsZero() && txn.Amount.LessThan(settings.MinimumTransactionAmount) {
		return 0, false, &ErrNotEligible{
			Reason: fmt.Sprintf("amount %s below store minimum %s", txn.Amount, settings.MinimumTransactionAmount),
		}
	}

	rewardFiat := txn.Amount.Mul(percentage).Div(oneHundred)
	rewardBTC, usedFallback := s.rates.ConvertToBTC(ctx, rewardFiat, txn.Currency, settings.RateProvider)

	sats := model.BTCToSats(rewardBTC)
	if settings.MaxRewardSats > 0 && sats > settings.MaxRewardSats {
		sats = settings.MaxRewardSats
	}
	if sats <= 0 {
		return 0, usedFallback, &ErrNotEligible{Reason: "reward rounds down to zero satoshis"}
	}
	return sats, usedFallback, nil
}
