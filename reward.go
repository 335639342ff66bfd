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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/internal/apierror"
	"github.com/satsback/satsback/internal/notification"
	"github.com/satsback/satsback/model"
)

// ProcessTransaction runs a normalized transaction through settings
// lookup, eligibility, reward calculation and persistence, then queues
// the payout. Calling it twice with the same (store, transaction) pair
// returns the same reward issue both times: the unique key in the record
// store is the idempotency guarantee, not anything in memory.
func (s *Satsback) ProcessTransaction(ctx context.Context, storeID string, txn *model.Transaction) (*model.RewardIssue, error) {
	ctx, span := tracer.Start(ctx, "Processing Transaction")
	defer span.End()

	settings, err := s.datasource.GetStoreSettings(ctx, storeID)
	if err != nil {
		return nil, err
	}

	existing, err := s.datasource.GetRewardIssueByTransaction(ctx, storeID, txn.TransactionID)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"store_id":       storeID,
			"transaction_id": txn.TransactionID,
		}).Info("duplicate transaction, returning existing reward")
		return existing, nil
	}
	if !apierror.IsNotFound(err) {
		return nil, err
	}

	if txn.Platform == model.PlatformSquare {
		s.enrichSquareContact(ctx, settings, txn)
	}

	amountSats, usedFallbackRate, err := s.ComputeReward(ctx, settings, txn)
	if err != nil {
		return nil, err
	}

	issue := &model.RewardIssue{
		RewardID:      model.GenerateUUIDWithSuffix("reward"),
		StoreID:       storeID,
		TransactionID: txn.TransactionID,
		OrderID:       txn.OrderID,
		CustomerEmail: txn.CustomerEmail,
		CustomerPhone: txn.CustomerPhone,
		Platform:      txn.Platform,
		AmountSats:    amountSats,
		Currency:      txn.Currency,
		OrderAmount:   txn.Amount,
		Status:        model.StatusPending,
		MetaData:      txn.MetaData,
		CreatedAt:     time.Now(),
	}
	if txn.InvoiceID != "" {
		issue.InvoiceID = txn.InvoiceID
	}
	if usedFallbackRate {
		if issue.MetaData == nil {
			issue.MetaData = map[string]string{}
		}
		issue.MetaData["rate_fallback"] = "true"
	}

	created, err := s.datasource.CreateRewardIssue(ctx, issue)
	if err != nil {
		// A concurrent duplicate lost the race to the unique key. Return
		// the winner's record.
		if apierror.IsConflict(err) {
			return s.datasource.GetRewardIssueByTransaction(ctx, storeID, txn.TransactionID)
		}
		return nil, err
	}

	if err := s.queue.EnqueueDelivery(ctx, created.RewardID); err != nil {
		logrus.WithError(err).WithField("reward_id", created.RewardID).Error("failed to enqueue reward delivery")
	}
	return created, nil
}

// DeliverReward executes the payout for a pending reward and delivers
// the result to the customer. It runs on the worker side and is safe to
// retry: a reward already past PENDING is left alone.
func (s *Satsback) DeliverReward(ctx context.Context, rewardID string) error {
	ctx, span := tracer.Start(ctx, "Delivering Reward")
	defer span.End()

	issue, err := s.datasource.GetRewardIssue(ctx, rewardID)
	if err != nil {
		return err
	}
	if issue.Status != model.StatusPending {
		logrus.WithField("reward_id", rewardID).Infof("reward already %s, skipping delivery", issue.Status)
		return nil
	}

	settings, err := s.datasource.GetStoreSettings(ctx, issue.StoreID)
	if err != nil {
		return err
	}

	result, err := s.DispatchPayout(ctx, settings, issue)
	if err != nil {
		issue.Status = model.StatusFailed
		issue.ErrorReason = err.Error()
		if updateErr := s.datasource.UpdateRewardIssue(ctx, issue); updateErr != nil {
			logrus.WithError(updateErr).Error("failed to record payout failure")
		}
		notification.NotifyError(fmt.Errorf("payout failed for reward %s: %w", rewardID, err))
		return err
	}

	now := time.Now()
	issue.Status = model.StatusSent
	issue.FundingSource = string(result.FundingSource)
	issue.PayoutReference = result.Reference
	issue.Token = result.Token
	issue.SentAt = &now
	if err := s.datasource.UpdateRewardIssue(ctx, issue); err != nil {
		return err
	}

	s.deliverToCustomer(ctx, settings, issue, result)
	return nil
}

// deliverToCustomer notifies the customer of their reward. Email wins
// when present; otherwise the reward is pushed to the store's displays
// so the customer can scan it at the counter. Delivery failures are
// logged, not fatal: the reward is already SENT and claimable.
func (s *Satsback) deliverToCustomer(ctx context.Context, settings *model.StoreSettings, issue *model.RewardIssue, result *PayoutResult) {
	link := result.ClaimLink
	if link == "" {
		link = claimLink(settings, issue)
	}

	if issue.CustomerEmail != "" {
		if err := s.sendRewardEmail(settings, issue, link); err != nil {
			logrus.WithError(err).WithField("reward_id", issue.RewardID).Error("failed to send reward email")
		}
		return
	}

	if err := s.BroadcastReward(ctx, settings, issue, link); err != nil {
		logrus.WithError(err).WithField("reward_id", issue.RewardID).Error("failed to broadcast reward to displays")
	}
}

// ClaimReward marks a sent reward claimed and returns it with its token.
// Claims are idempotent: claiming twice is fine, claiming an expired or
// failed reward is not.
func (s *Satsback) ClaimReward(ctx context.Context, rewardID string) (*model.RewardIssue, error) {
	issue, err := s.datasource.GetRewardIssue(ctx, rewardID)
	if err != nil {
		return nil, err
	}

	switch issue.Status {
	case model.StatusClaimed:
		return issue, nil
	case model.StatusSent:
	default:
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("reward is %s and cannot be claimed", issue.Status), nil)
	}

	now := time.Now()
	issue.Status = model.StatusClaimed
	issue.ClaimedAt = &now
	if err := s.datasource.UpdateRewardIssue(ctx, issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// ExpireStaleRewards moves SENT rewards past the claim window to
// EXPIRED. Runs from the worker on a schedule.
func (s *Satsback) ExpireStaleRewards(ctx context.Context) (int, error) {
	stale, err := s.datasource.GetStaleSentRewardIssues(ctx, config.DefaultClaimExpiryHours, 500)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		issue := &stale[i]
		issue.Status = model.StatusExpired
		if err := s.datasource.UpdateRewardIssue(ctx, issue); err != nil {
			logrus.WithError(err).WithField("reward_id", issue.RewardID).Error("failed to expire reward")
			continue
		}
		expired++
	}
	if expired > 0 {
		logrus.Infof("expired %d unclaimed rewards", expired)
	}
	return expired, nil
}

// GetReward looks up one reward issue.
func (s *Satsback) GetReward(ctx context.Context, rewardID string) (*model.RewardIssue, error) {
	return s.datasource.GetRewardIssue(ctx, rewardID)
}

// GetStoreRewards lists a store's reward issues, newest first.
func (s *Satsback) GetStoreRewards(ctx context.Context, storeID string, limit, offset int) ([]model.RewardIssue, error) {
	return s.datasource.GetRewardIssuesByStore(ctx, storeID, limit, offset)
}

// GetCustomerRewards lists the reward issues a customer earned at one
// store.
func (s *Satsback) GetCustomerRewards(ctx context.Context, storeID, customerEmail string, limit, offset int) ([]model.RewardIssue, error) {
	return s.datasource.GetRewardIssuesByCustomer(ctx, storeID, customerEmail, limit, offset)
}

// FailedTransactions lists unresolved wallet operations awaiting the
// retry sweep.
func (s *Satsback) FailedTransactions(ctx context.Context, limit int) ([]model.FailedTransaction, error) {
	return s.datasource.GetUnresolvedFailedTransactions(ctx, limit)
}

// GetStoreSettings loads a store's reward configuration.
func (s *Satsback) GetStoreSettings(ctx context.Context, storeID string) (*model.StoreSettings, error) {
	return s.datasource.GetStoreSettings(ctx, storeID)
}

// SaveStoreSettings upserts a store's reward configuration.
func (s *Satsback) SaveStoreSettings(ctx context.Context, settings *model.StoreSettings) error {
	return s.datasource.SaveStoreSettings(ctx, settings)
}

// WalletBalance reads the store's spendable ecash balance.
func (s *Satsback) WalletBalance(ctx context.Context, storeID string) (int64, error) {
	settings, err := s.datasource.GetStoreSettings(ctx, storeID)
	if err != nil {
		return 0, err
	}
	if settings.MintURL == "" {
		return 0, nil
	}
	unit := settings.Unit
	if unit == "" {
		unit = "sat"
	}
	return s.wallet.Balance(ctx, storeID, settings.MintURL, unit)
}

// sendRewardEmail renders the store's templates and hands the message to
// the mail relay. Missing templates get a plain default.
func (s *Satsback) sendRewardEmail(settings *model.StoreSettings, issue *model.RewardIssue, link string) error {
	subject := settings.EmailSubjectTemplate
	if subject == "" {
		subject = "You earned a Bitcoin reward!"
	}

	body := settings.EmailBodyTemplate
	if body == "" {
		body = "You earned {amount} sats on your purchase. Claim your reward here: {link}"
	}
	body = renderTemplate(body, issue, link)
	subject = renderTemplate(subject, issue, link)

	return notification.SendMail(issue.CustomerEmail, subject, body)
}
