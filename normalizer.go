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
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/satsback/satsback/model"
)

// ErrNotEligible marks events that parsed fine but should not produce a
// reward: unpaid orders, incomplete payments, refund notifications.
// Handlers acknowledge these without creating anything.
type ErrNotEligible struct {
	Reason string
}

func (e *ErrNotEligible) Error() string {
	return "event not eligible for a reward: " + e.Reason
}

type shopifyOrderPayload struct {
	ID              int64  `json:"id"`
	OrderNumber     int64  `json:"order_number"`
	TotalPrice      string `json:"total_price"`
	Currency        string `json:"currency"`
	FinancialStatus string `json:"financial_status"`
	CreatedAt       string `json:"created_at"`
	Customer        struct {
		Email     string `json:"email"`
		Phone     string `json:"phone"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"customer"`
}

// NormalizeShopifyOrder maps a Shopify orders/paid webhook body to the
// internal transaction shape.
func NormalizeShopifyOrder(body []byte) (*model.Transaction, error) {
	var payload shopifyOrderPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing shopify order: %w", err)
	}
	if payload.ID == 0 {
		return nil, fmt.Errorf("shopify order has no id")
	}
	if payload.FinancialStatus != "" && payload.FinancialStatus != "paid" && payload.FinancialStatus != "partially_paid" {
		return nil, &ErrNotEligible{Reason: fmt.Sprintf("order %d is %s", payload.ID, payload.FinancialStatus)}
	}

	amount, err := decimal.NewFromString(payload.TotalPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing shopify order total %q: %w", payload.TotalPrice, err)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, &ErrNotEligible{Reason: fmt.Sprintf("order %d has non-positive total", payload.ID)}
	}

	timestamp := time.Now()
	if payload.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.CreatedAt); err == nil {
			timestamp = parsed
		}
	}

	name := strings.TrimSpace(payload.Customer.FirstName + " " + payload.Customer.LastName)
	return &model.Transaction{
		TransactionID: strconv.FormatInt(payload.ID, 10),
		OrderID:       strconv.FormatInt(payload.OrderNumber, 10),
		Amount:        amount,
		Currency:      strings.ToUpper(payload.Currency),
		CustomerEmail: payload.Customer.Email,
		CustomerPhone: payload.Customer.Phone,
		CustomerName:  name,
		Platform:      model.PlatformShopify,
		Timestamp:     timestamp,
	}, nil
}

type squarePaymentPayload struct {
	MerchantID string `json:"merchant_id"`
	Type       string `json:"type"`
	Data       struct {
		Object struct {
			Payment struct {
				ID          string `json:"id"`
				OrderID     string `json:"order_id"`
				Status      string `json:"status"`
				BuyerEmail  string `json:"buyer_email_address"`
				CustomerID  string `json:"customer_id"`
				CreatedAt   string `json:"created_at"`
				AmountMoney struct {
					Amount   int64  `json:"amount"`
					Currency string `json:"currency"`
				} `json:"amount_money"`
			} `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

// NormalizeSquarePayment maps a Square payment.updated webhook body to
// the internal transaction shape. Only completed payments are eligible;
// Square fires the same event for every status change.
func NormalizeSquarePayment(body []byte) (*model.Transaction, error) {
	var payload squarePaymentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing square payment: %w", err)
	}

	payment := payload.Data.Object.Payment
	if payment.ID == "" {
		return nil, fmt.Errorf("square event has no payment id")
	}
	if payment.Status != "COMPLETED" {
		return nil, &ErrNotEligible{Reason: fmt.Sprintf("payment %s is %s", payment.ID, payment.Status)}
	}
	if payment.AmountMoney.Amount <= 0 {
		return nil, &ErrNotEligible{Reason: fmt.Sprintf("payment %s has non-positive amount", payment.ID)}
	}

	timestamp := time.Now()
	if payment.CreatedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, payment.CreatedAt); err == nil {
			timestamp = parsed
		}
	}

	// Square reports amounts in minor units.
	amount := decimal.New(payment.AmountMoney.Amount, -2)
	orderID := payment.OrderID
	if orderID == "" {
		orderID = payment.ID
	}
	metaData := map[string]string{"merchant_id": payload.MerchantID}
	if payment.CustomerID != "" {
		metaData["customer_id"] = payment.CustomerID
	}
	return &model.Transaction{
		TransactionID: payment.ID,
		OrderID:       orderID,
		Amount:        amount,
		Currency:      strings.ToUpper(payment.AmountMoney.Currency),
		CustomerEmail: payment.BuyerEmail,
		Platform:      model.PlatformSquare,
		Timestamp:     timestamp,
		MetaData:      metaData,
	}, nil
}
