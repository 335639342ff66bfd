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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/satsback/satsback/internal/apierror"
	"github.com/satsback/satsback/model"
)

// CreateRewardIssue appends a new reward issue. The (store_id,
// transaction_id) unique index rejects a duplicate issuance for the same
// inbound event; callers translate the Conflict into returning the
// previously recorded issue.
func (d Datasource) CreateRewardIssue(ctx context.Context, issue *model.RewardIssue) (*model.RewardIssue, error) {
	metaDataJSON, err := json.Marshal(issue.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now()
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO reward_issues (reward_id, store_id, transaction_id, order_id, invoice_id, customer_email, customer_phone, platform, amount_sats, currency, order_amount, funding_source, payout_reference, token, status, error_reason, meta_data, created_at, sent_at, claimed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, issue.RewardID, issue.StoreID, issue.TransactionID, issue.OrderID, issue.InvoiceID, issue.CustomerEmail, issue.CustomerPhone, issue.Platform, issue.AmountSats, issue.Currency, issue.OrderAmount, issue.FundingSource, issue.PayoutReference, issue.Token, issue.Status, issue.ErrorReason, metaDataJSON, issue.CreatedAt, issue.SentAt, issue.ClaimedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "A reward already exists for this transaction", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record reward issue", err)
	}

	return issue, nil
}

const rewardIssueColumns = `reward_id, store_id, transaction_id, order_id, invoice_id, customer_email, customer_phone, platform, amount_sats, currency, order_amount, funding_source, payout_reference, token, status, error_reason, meta_data, created_at, sent_at, claimed_at`

func scanRewardIssue(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.RewardIssue, error) {
	issue := &model.RewardIssue{}
	var metaDataJSON []byte
	var orderID, invoiceID, customerEmail, customerPhone, currency, fundingSource, payoutRef, token, errorReason sql.NullString
	var sentAt, claimedAt sql.NullTime

	err := scanner.Scan(&issue.RewardID, &issue.StoreID, &issue.TransactionID, &orderID, &invoiceID, &customerEmail, &customerPhone, &issue.Platform, &issue.AmountSats, &currency, &issue.OrderAmount, &fundingSource, &payoutRef, &token, &issue.Status, &errorReason, &metaDataJSON, &issue.CreatedAt, &sentAt, &claimedAt)
	if err != nil {
		return nil, err
	}

	issue.OrderID = orderID.String
	issue.InvoiceID = invoiceID.String
	issue.CustomerEmail = customerEmail.String
	issue.CustomerPhone = customerPhone.String
	issue.Currency = currency.String
	issue.FundingSource = fundingSource.String
	issue.PayoutReference = payoutRef.String
	issue.Token = token.String
	issue.ErrorReason = errorReason.String
	if sentAt.Valid {
		issue.SentAt = &sentAt.Time
	}
	if claimedAt.Valid {
		issue.ClaimedAt = &claimedAt.Time
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &issue.MetaData); err != nil {
			return nil, err
		}
	}
	return issue, nil
}

func (d Datasource) GetRewardIssue(ctx context.Context, rewardID string) (*model.RewardIssue, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+rewardIssueColumns+`
		FROM reward_issues
		WHERE reward_id = $1
	`, rewardID)

	issue, err := scanRewardIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Reward with ID '%s' not found", rewardID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reward issue", err)
	}
	return issue, nil
}

// GetRewardIssueByTransaction is the idempotency lookup: at most one issue
// exists per (store, transaction) pair.
func (d Datasource) GetRewardIssueByTransaction(ctx context.Context, storeID, transactionID string) (*model.RewardIssue, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+rewardIssueColumns+`
		FROM reward_issues
		WHERE store_id = $1 AND transaction_id = $2
	`, storeID, transactionID)

	issue, err := scanRewardIssue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "No reward for this transaction", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reward issue", err)
	}
	return issue, nil
}

// UpdateRewardIssue rewrites the mutable fields of an existing issue. A
// missing id is a no-op, not an error; callers must not rely on Update to
// create.
func (d Datasource) UpdateRewardIssue(ctx context.Context, issue *model.RewardIssue) error {
	metaDataJSON, err := json.Marshal(issue.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		UPDATE reward_issues
		SET funding_source = $2, payout_reference = $3, token = $4, status = $5, error_reason = $6, meta_data = $7, sent_at = $8, claimed_at = $9
		WHERE reward_id = $1
	`, issue.RewardID, issue.FundingSource, issue.PayoutReference, issue.Token, issue.Status, issue.ErrorReason, metaDataJSON, issue.SentAt, issue.ClaimedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update reward issue", err)
	}
	return nil
}

func (d Datasource) GetRewardIssuesByStore(ctx context.Context, storeID string, limit, offset int) ([]model.RewardIssue, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+rewardIssueColumns+`
		FROM reward_issues
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, storeID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reward issues", err)
	}
	defer rows.Close()

	return collectRewardIssues(rows)
}

func (d Datasource) GetRewardIssuesByCustomer(ctx context.Context, storeID, customerEmail string, limit, offset int) ([]model.RewardIssue, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+rewardIssueColumns+`
		FROM reward_issues
		WHERE store_id = $1 AND customer_email = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, storeID, customerEmail, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reward issues", err)
	}
	defer rows.Close()

	return collectRewardIssues(rows)
}

// GetStaleSentRewardIssues returns SENT issues older than the claim window,
// candidates for expiry.
func (d Datasource) GetStaleSentRewardIssues(ctx context.Context, olderThanHours int, limit int) ([]model.RewardIssue, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+rewardIssueColumns+`
		FROM reward_issues
		WHERE status = $1 AND sent_at < NOW() - make_interval(hours => $2)
		LIMIT $3
	`, model.StatusSent, olderThanHours, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stale reward issues", err)
	}
	defer rows.Close()

	return collectRewardIssues(rows)
}

// GetStuckPendingRewardIssues returns PENDING issues older than the given
// threshold. A pending reward that old has usually lost its delivery task,
// typically to a redis flush or a worker crash mid-enqueue.
func (d Datasource) GetStuckPendingRewardIssues(ctx context.Context, olderThanMinutes int, limit int) ([]model.RewardIssue, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+rewardIssueColumns+`
		FROM reward_issues
		WHERE status = $1 AND created_at < NOW() - make_interval(mins => $2)
		ORDER BY created_at ASC
		LIMIT $3
	`, model.StatusPending, olderThanMinutes, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck reward issues", err)
	}
	defer rows.Close()

	return collectRewardIssues(rows)
}

func collectRewardIssues(rows *sql.Rows) ([]model.RewardIssue, error) {
	issues := []model.RewardIssue{}
	for rows.Next() {
		issue, err := scanRewardIssue(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan reward issue", err)
		}
		issues = append(issues, *issue)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating reward issues", err)
	}
	return issues, nil
}
