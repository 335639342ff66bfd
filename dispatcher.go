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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/satsback/satsback/cashu"
	"github.com/satsback/satsback/model"
)

// ErrNoFundingSource means every configured funding source declined the
// payout. The reward stays FAILED and an operator decides what to do.
var ErrNoFundingSource = errors.New("no funding source could fulfil the payout")

// defaultFundingOrder applies when a store never configured a preference.
var defaultFundingOrder = []model.FundingSource{
	model.FundingCashu,
	model.FundingLightning,
	model.FundingOnchain,
}

// PayoutResult describes a dispatched payout: which rail paid, the
// reference on that rail, and what the customer receives.
type PayoutResult struct {
	FundingSource model.FundingSource
	Reference     string
	Token         string
	ClaimLink     string
}

// DispatchPayout walks the store's funding sources in preference order
// until one accepts the payout. A source that is unconfigured or cannot
// cover the amount falls through to the next; a source that may have
// moved funds aborts the walk, because paying again on another rail
// would double pay.
func (s *Satsback) DispatchPayout(ctx context.Context, settings *model.StoreSettings, issue *model.RewardIssue) (*PayoutResult, error) {
	ctx, span := tracer.Start(ctx, "Dispatching Payout")
	defer span.End()

	sources := settings.FundingSources
	if len(sources) == 0 {
		sources = defaultFundingOrder
	}

	var lastErr error
	for _, source := range sources {
		result, err := s.tryFundingSource(ctx, source, settings, issue)
		if err == nil {
			return result, nil
		}

		var unavailable *sourceUnavailableError
		if errors.As(err, &unavailable) {
			logrus.WithFields(logrus.Fields{
				"reward_id": issue.RewardID,
				"source":    source,
			}).Warnf("funding source unavailable: %v", unavailable.cause)
			lastErr = err
			continue
		}
		return nil, err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFundingSource, lastErr)
	}
	return nil, ErrNoFundingSource
}

// sourceUnavailableError wraps failures that justify falling through to
// the next funding source.
type sourceUnavailableError struct {
	cause error
}

func (e *sourceUnavailableError) Error() string {
	return "funding source unavailable: " + e.cause.Error()
}

func (e *sourceUnavailableError) Unwrap() error {
	return e.cause
}

func (s *Satsback) tryFundingSource(ctx context.Context, source model.FundingSource, settings *model.StoreSettings, issue *model.RewardIssue) (*PayoutResult, error) {
	switch source {
	case model.FundingCashu:
		return s.payWithCashu(ctx, settings, issue)
	case model.FundingLightning:
		return s.payWithPullPayment(ctx, s.lightning.Available(), source, func() (*PullPayment, error) {
			return s.lightning.CreatePullPayment(ctx, issue.StoreID, payoutName(issue), issue.AmountSats)
		})
	case model.FundingOnchain:
		return s.payWithPullPayment(ctx, s.onchain.Available(), source, func() (*PullPayment, error) {
			return s.onchain.CreatePullPayment(ctx, issue.StoreID, payoutName(issue), issue.AmountSats)
		})
	default:
		return nil, &sourceUnavailableError{cause: fmt.Errorf("unknown funding source %q", source)}
	}
}

func (s *Satsback) payWithCashu(ctx context.Context, settings *model.StoreSettings, issue *model.RewardIssue) (*PayoutResult, error) {
	if settings.MintURL == "" {
		return nil, &sourceUnavailableError{cause: errors.New("store has no mint configured")}
	}
	unit := settings.Unit
	if unit == "" {
		unit = "sat"
	}

	token, err := s.wallet.SendToken(ctx, issue.StoreID, settings.MintURL, unit, issue.AmountSats, payoutName(issue))
	if err != nil {
		if cashu.IsInsufficientBalance(err) {
			return nil, &sourceUnavailableError{cause: err}
		}
		// The wallet may have parked proofs in the retry ledger; paying
		// elsewhere now risks a double payout.
		return nil, err
	}

	return &PayoutResult{
		FundingSource: model.FundingCashu,
		Reference:     settings.MintURL,
		Token:         token,
		ClaimLink:     claimLink(settings, issue),
	}, nil
}

func (s *Satsback) payWithPullPayment(_ context.Context, available bool, source model.FundingSource, create func() (*PullPayment, error)) (*PayoutResult, error) {
	if !available {
		return nil, &sourceUnavailableError{cause: fmt.Errorf("%s payouts not configured", source)}
	}

	pullPayment, err := create()
	if err != nil {
		// Creation failed before any funds moved; the next rail is safe.
		return nil, &sourceUnavailableError{cause: err}
	}
	return &PayoutResult{
		FundingSource: source,
		Reference:     pullPayment.ID,
		ClaimLink:     pullPayment.ViewLink,
	}, nil
}

func payoutName(issue *model.RewardIssue) string {
	return fmt.Sprintf("Satsback reward for order %s", issue.OrderID)
}

// claimLink builds the customer-facing claim URL for token rewards.
func claimLink(settings *model.StoreSettings, issue *model.RewardIssue) string {
	if settings.ClaimLinkBase == "" {
		return ""
	}
	return fmt.Sprintf("%s/claim/%s", settings.ClaimLinkBase, issue.RewardID)
}
