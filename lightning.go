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
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/internal/request"
	"github.com/satsback/satsback/model"
)

// PullPayment is a claimable payout: the customer opens the view link and
// pulls the funds to their own wallet.
type PullPayment struct {
	ID       string `json:"id"`
	ViewLink string `json:"viewLink"`
}

type pullPaymentRequest struct {
	Name          string   `json:"name"`
	Amount        string   `json:"amount"`
	Currency      string   `json:"currency"`
	PaymentMethod []string `json:"paymentMethods"`
	AutoApprove   bool     `json:"autoApproveClaims"`
}

// LightningClient creates lightning pull payments on the configured
// payment server.
type LightningClient struct {
	url    string
	apiKey string
}

func NewLightningClient(conf *config.Configuration) *LightningClient {
	return &LightningClient{url: conf.Lightning.Url, apiKey: conf.Lightning.ApiKey}
}

// Available reports whether lightning payouts are configured at all.
func (c *LightningClient) Available() bool {
	return c.url != ""
}

// CreatePullPayment registers a claimable lightning payout for amountSats.
func (c *LightningClient) CreatePullPayment(ctx context.Context, storeID, name string, amountSats int64) (*PullPayment, error) {
	return createPullPayment(ctx, c.url, c.apiKey, storeID, name, amountSats, "BTC-LightningNetwork")
}

// OnchainClient creates on-chain pull payments, the slow-and-final payout
// rail.
type OnchainClient struct {
	url    string
	apiKey string
}

func NewOnchainClient(conf *config.Configuration) *OnchainClient {
	return &OnchainClient{url: conf.Onchain.Url, apiKey: conf.Onchain.ApiKey}
}

func (c *OnchainClient) Available() bool {
	return c.url != ""
}

// CreatePullPayment registers a claimable on-chain payout for amountSats.
func (c *OnchainClient) CreatePullPayment(ctx context.Context, storeID, name string, amountSats int64) (*PullPayment, error) {
	return createPullPayment(ctx, c.url, c.apiKey, storeID, name, amountSats, "BTC-OnChain")
}

func createPullPayment(ctx context.Context, baseURL, apiKey, storeID, name string, amountSats int64, method string) (*PullPayment, error) {
	amountBTC := decimal.New(amountSats, 0).Div(decimal.NewFromInt(model.SatsPerBTC))
	payload := pullPaymentRequest{
		Name:          name,
		Amount:        amountBTC.String(),
		Currency:      "BTC",
		PaymentMethod: []string{method},
		AutoApprove:   true,
	}

	body, err := request.ToJsonReq(&payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v1/stores/%s/pull-payments", baseURL, storeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "token "+apiKey)

	var pullPayment PullPayment
	resp, err := request.Call(req, &pullPayment)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pull payment creation returned status %d", resp.StatusCode)
	}
	if pullPayment.ID == "" {
		return nil, fmt.Errorf("pull payment creation returned no id")
	}
	return &pullPayment, nil
}
