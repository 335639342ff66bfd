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
	"fmt"
	"strings"
	"time"

	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/model"
)

// DisplayChannel is the redis pub/sub channel carrying reward
// announcements for a store's point-of-sale displays.
func DisplayChannel(storeID string) string {
	return "display:" + storeID
}

// BroadcastReward pushes a reward announcement to the store's displays.
// Used when the customer left no contact details: the claim QR shows at
// the counter instead.
func (s *Satsback) BroadcastReward(ctx context.Context, settings *model.StoreSettings, issue *model.RewardIssue, link string) error {
	duration := settings.DisplayDurationSeconds
	if duration <= 0 {
		duration = config.DefaultDisplayDurationSec
	}

	message := model.RewardDisplayMessage{
		ClaimLink:              link,
		RewardSatoshis:         issue.AmountSats,
		Currency:               issue.Currency,
		RewardAmount:           issue.OrderAmount,
		TransactionID:          issue.TransactionID,
		OrderID:                issue.OrderID,
		CreatedAt:              time.Now(),
		DisplayDurationSeconds: duration,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, DisplayChannel(issue.StoreID), payload).Err()
}

// renderTemplate substitutes the reward placeholders merchants may use in
// their notification templates.
func renderTemplate(template string, issue *model.RewardIssue, link string) string {
	replacer := strings.NewReplacer(
		"{amount}", fmt.Sprintf("%d", issue.AmountSats),
		"{link}", link,
		"{order_id}", issue.OrderID,
		"{currency}", issue.Currency,
		"{order_amount}", issue.OrderAmount.String(),
	)
	return replacer.Replace(template)
}
