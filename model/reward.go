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
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Reward issue statuses. Transitions are monotonic: a reward never moves
// back from a later status to an earlier one. Claimed, Expired and Failed
// are terminal. A Failed reward is only ever retried as a new attempt with
// a new issue, never by rewinding the old one.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusClaimed = "CLAIMED"
	StatusExpired = "EXPIRED"
	StatusFailed  = "FAILED"
)

// RewardIssue is the append-only record of a single reward issuance.
// Exactly one issue exists per (StoreID, TransactionID); the database
// enforces the pair as a unique key so replayed webhooks are idempotent.
type RewardIssue struct {
	RewardID        string            `json:"reward_id"`
	StoreID         string            `json:"store_id"`
	TransactionID   string            `json:"transaction_id"`
	OrderID         string            `json:"order_id,omitempty"`
	InvoiceID       string            `json:"invoice_id,omitempty"`
	CustomerEmail   string            `json:"customer_email,omitempty"`
	CustomerPhone   string            `json:"customer_phone,omitempty"`
	Platform        Platform          `json:"platform"`
	AmountSats      int64             `json:"amount_sats"`
	Currency        string            `json:"currency"`
	OrderAmount     decimal.Decimal   `json:"order_amount"`
	FundingSource   string            `json:"funding_source,omitempty"`
	PayoutReference string            `json:"payout_reference,omitempty"`
	Token           string            `json:"token,omitempty"`
	Status          string            `json:"status"`
	ErrorReason     string            `json:"error_reason,omitempty"`
	MetaData        map[string]string `json:"meta_data,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	SentAt          *time.Time        `json:"sent_at,omitempty"`
	ClaimedAt       *time.Time        `json:"claimed_at,omitempty"`
}

func (r *RewardIssue) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Terminal reports whether the reward issue has reached a final status.
func (r *RewardIssue) Terminal() bool {
	switch r.Status {
	case StatusClaimed, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// RewardDisplayMessage is broadcast to connected display clients of a store
// when a reward has no email or phone delivery channel.
type RewardDisplayMessage struct {
	ClaimLink              string          `json:"claim_link"`
	RewardSatoshis         int64           `json:"reward_satoshis"`
	Currency               string          `json:"currency"`
	RewardAmount           decimal.Decimal `json:"reward_amount"`
	TransactionID          string          `json:"transaction_id"`
	OrderID                string          `json:"order_id,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	DisplayDurationSeconds int             `json:"display_duration_seconds"`
}
