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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/satsback/satsback/model"
)

// Invoice event types that reach the pipeline. Only settlement-class
// events issue a reward; the others are acknowledged and dropped.
const (
	EventInvoiceSettled        = "InvoiceSettled"
	EventInvoicePaymentSettled = "InvoicePaymentSettled"
	EventInvoiceConfirmed      = "InvoiceConfirmed"
	EventInvoiceExpired        = "InvoiceExpired"
	EventInvoiceInvalid        = "InvoiceInvalid"
)

// settledEventTypes is the closed set of event codes that mean the
// merchant has the money. Everything else, including codes added by
// future server versions, is ignored.
var settledEventTypes = map[string]bool{
	EventInvoiceSettled:        true,
	EventInvoicePaymentSettled: true,
	EventInvoiceConfirmed:      true,
}

type invoiceEventPayload struct {
	DeliveryID string `json:"deliveryId"`
	Type       string `json:"type"`
	StoreID    string `json:"storeId"`
	InvoiceID  string `json:"invoiceId"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	BuyerEmail string `json:"buyerEmail"`
	OrderID    string `json:"orderId"`
	Timestamp  int64  `json:"timestamp"`
}

// NormalizeInvoiceEvent maps a payment-server invoice event to the
// internal transaction shape. Only settled invoices are eligible:
// settlement is the moment the merchant actually has the money.
func NormalizeInvoiceEvent(body []byte) (string, *model.Transaction, error) {
	var payload invoiceEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil, fmt.Errorf("parsing invoice event: %w", err)
	}
	if payload.StoreID == "" || payload.InvoiceID == "" {
		return "", nil, fmt.Errorf("invoice event missing store or invoice id")
	}
	if !settledEventTypes[payload.Type] {
		return "", nil, &ErrNotEligible{Reason: fmt.Sprintf("event %s for invoice %s", payload.Type, payload.InvoiceID)}
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return "", nil, fmt.Errorf("parsing invoice amount %q: %w", payload.Amount, err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", nil, &ErrNotEligible{Reason: fmt.Sprintf("invoice %s has non-positive amount", payload.InvoiceID)}
	}

	timestamp := time.Now()
	if payload.Timestamp > 0 {
		timestamp = time.Unix(payload.Timestamp, 0)
	}

	return payload.StoreID, &model.Transaction{
		TransactionID: payload.InvoiceID,
		OrderID:       payload.OrderID,
		InvoiceID:     payload.InvoiceID,
		Amount:        amount,
		Currency:      strings.ToUpper(payload.Currency),
		CustomerEmail: payload.BuyerEmail,
		Platform:      model.PlatformBtcpay,
		Timestamp:     timestamp,
	}, nil
}
