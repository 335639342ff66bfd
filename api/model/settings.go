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
	"errors"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/satsback/satsback/model"
)

// UpdateStoreSettings is the request body for creating or replacing a
// store's rewards configuration.
type UpdateStoreSettings struct {
	FundingSources           []string        `json:"funding_sources"`
	ExternalRewardPercentage decimal.Decimal `json:"external_reward_percentage"`
	BtcpayRewardPercentage   decimal.Decimal `json:"btcpay_reward_percentage"`
	MinimumTransactionAmount decimal.Decimal `json:"minimum_transaction_amount"`
	MaxRewardSats            int64           `json:"max_reward_sats"`

	MintURL      string `json:"mint_url"`
	Unit         string `json:"unit"`
	RateProvider string `json:"rate_provider"`

	ShopifyWebhookSecret  string `json:"shopify_webhook_secret"`
	SquareSignatureKey    string `json:"square_signature_key"`
	SquareNotificationURL string `json:"square_notification_url"`
	SquareAccessToken     string `json:"square_access_token"`

	ClaimLinkBase          string `json:"claim_link_base"`
	EmailSubjectTemplate   string `json:"email_subject_template"`
	EmailBodyTemplate      string `json:"email_body_template"`
	DisplayDurationSeconds int    `json:"display_duration_seconds"`
}

func validFundingSources(value interface{}) error {
	sources, ok := value.([]string)
	if !ok {
		return errors.New("invalid funding sources type")
	}
	for _, source := range sources {
		switch model.FundingSource(source) {
		case model.FundingCashu, model.FundingLightning, model.FundingOnchain:
		default:
			return errors.New("funding sources must be one of cashu, lightning, onchain")
		}
	}
	return nil
}

func validHTTPURL(value interface{}) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("must be an http or https URL")
	}
	return nil
}

func (s *UpdateStoreSettings) ValidateUpdateStoreSettings() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.FundingSources, validation.By(validFundingSources)),
		validation.Field(&s.ExternalRewardPercentage, validation.By(percentageRange(s.ExternalRewardPercentage))),
		validation.Field(&s.BtcpayRewardPercentage, validation.By(percentageRange(s.BtcpayRewardPercentage))),
		validation.Field(&s.MaxRewardSats, validation.Min(0)),
		validation.Field(&s.MintURL, validation.By(validHTTPURL)),
		validation.Field(&s.SquareNotificationURL, validation.By(validHTTPURL)),
		validation.Field(&s.ClaimLinkBase, validation.By(validHTTPURL)),
		validation.Field(&s.DisplayDurationSeconds, validation.Min(0)),
	)
}

func percentageRange(value decimal.Decimal) validation.RuleFunc {
	return func(interface{}) error {
		if value.IsNegative() || value.GreaterThan(decimal.NewFromInt(100)) {
			return errors.New("percentage must be between 0 and 100")
		}
		return nil
	}
}

// ToStoreSettings converts the request into the canonical settings record
// for the given store.
func (s *UpdateStoreSettings) ToStoreSettings(storeID string) *model.StoreSettings {
	sources := make([]model.FundingSource, 0, len(s.FundingSources))
	for _, source := range s.FundingSources {
		sources = append(sources, model.FundingSource(strings.ToLower(source)))
	}

	return &model.StoreSettings{
		StoreID:                  storeID,
		FundingSources:           sources,
		ExternalRewardPercentage: s.ExternalRewardPercentage,
		BtcpayRewardPercentage:   s.BtcpayRewardPercentage,
		MinimumTransactionAmount: s.MinimumTransactionAmount,
		MaxRewardSats:            s.MaxRewardSats,
		MintURL:                  strings.TrimRight(s.MintURL, "/"),
		Unit:                     s.Unit,
		RateProvider:             strings.ToLower(s.RateProvider),
		ShopifyWebhookSecret:     s.ShopifyWebhookSecret,
		SquareSignatureKey:       s.SquareSignatureKey,
		SquareNotificationURL:    s.SquareNotificationURL,
		SquareAccessToken:        s.SquareAccessToken,
		ClaimLinkBase:            strings.TrimRight(s.ClaimLinkBase, "/"),
		EmailSubjectTemplate:     s.EmailSubjectTemplate,
		EmailBodyTemplate:        s.EmailBodyTemplate,
		DisplayDurationSeconds:   s.DisplayDurationSeconds,
	}
}
