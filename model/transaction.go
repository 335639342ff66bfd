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

// Platform identifies the commerce system a transaction originated from.
type Platform string

const (
	PlatformShopify Platform = "shopify"
	PlatformSquare  Platform = "square"
	PlatformBtcpay  Platform = "btcpay"
)

// External reports whether the platform is an external commerce platform,
// as opposed to a direct invoice. External and invoice transactions carry
// independently configured reward percentages.
func (p Platform) External() bool {
	return p == PlatformShopify || p == PlatformSquare
}

// Transaction is the canonical normalized commerce event. A Transaction is
// built once by the normalizer from a platform payload and is immutable
// afterwards; the reward pipeline only reads it.
type Transaction struct {
	TransactionID string            `json:"transaction_id"`
	OrderID       string            `json:"order_id,omitempty"`
	InvoiceID     string            `json:"invoice_id,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	CustomerPhone string            `json:"customer_phone,omitempty"`
	CustomerName  string            `json:"customer_name,omitempty"`
	Platform      Platform          `json:"platform"`
	Timestamp     time.Time         `json:"timestamp"`
	MetaData      map[string]string `json:"meta_data,omitempty"`
}

func (transaction *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(transaction)
}

// HasContact reports whether the transaction carries any delivery channel
// for a reward token. When false, delivery falls back to the display
// broadcast path.
func (transaction *Transaction) HasContact() bool {
	return transaction.CustomerEmail != "" || transaction.CustomerPhone != ""
}
