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
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingSource names a payout rail a store can fund rewards from.
type FundingSource string

const (
	FundingCashu     FundingSource = "cashu"
	FundingLightning FundingSource = "lightning"
	FundingOnchain   FundingSource = "onchain"
)

// StoreSettings is the per-store rewards configuration. It is read-only to
// the pipeline; only the admin settings endpoint mutates it.
//
// A single schema covers both external-platform and invoice rewards: each
// platform has its own percentage knob and is disabled by setting the
// percentage to zero rather than by a separate enabled flag.
type StoreSettings struct {
	StoreID string `json:"store_id"`

	// Funding sources in preference order. Issuance walks the list and
	// falls through on source unavailability.
	FundingSources []FundingSource `json:"funding_sources"`

	ExternalRewardPercentage decimal.Decimal `json:"external_reward_percentage"`
	BtcpayRewardPercentage   decimal.Decimal `json:"btcpay_reward_percentage"`
	MinimumTransactionAmount decimal.Decimal `json:"minimum_transaction_amount"`
	MaxRewardSats            int64           `json:"max_reward_sats,omitempty"`

	MintURL string `json:"mint_url,omitempty"`
	Unit    string `json:"unit,omitempty"`

	// RateProvider names the exchange used for fiat conversion. Empty
	// means the service default.
	RateProvider string `json:"rate_provider,omitempty"`

	// Shared webhook secrets. An empty secret skips verification for that
	// platform; this is a deliberate trust-on-first-use relaxation, not a
	// safe default.
	ShopifyWebhookSecret  string `json:"shopify_webhook_secret,omitempty"`
	SquareSignatureKey    string `json:"square_signature_key,omitempty"`
	SquareNotificationURL string `json:"square_notification_url,omitempty"`
	SquareAccessToken     string `json:"square_access_token,omitempty"`

	ClaimLinkBase          string `json:"claim_link_base,omitempty"`
	EmailSubjectTemplate   string `json:"email_subject_template,omitempty"`
	EmailBodyTemplate      string `json:"email_body_template,omitempty"`
	DisplayDurationSeconds int    `json:"display_duration_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PercentageFor returns the reward percentage applied to a transaction from
// the given platform. External platforms and direct invoices are independent
// knobs.
func (s *StoreSettings) PercentageFor(platform Platform) decimal.Decimal {
	if platform.External() {
		return s.ExternalRewardPercentage
	}
	return s.BtcpayRewardPercentage
}

// EnabledFor reports whether rewards are switched on for the platform.
func (s *StoreSettings) EnabledFor(platform Platform) bool {
	return s.PercentageFor(platform).IsPositive()
}
