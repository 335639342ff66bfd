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
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/satsback/satsback/config"
	"github.com/satsback/satsback/internal/request"
	"github.com/satsback/satsback/model"
)

// SquareCustomer carries the contact fields fetched from the Square
// customers endpoint.
type SquareCustomer struct {
	Email      string
	Phone      string
	GivenName  string
	FamilyName string
}

type squareCustomerResponse struct {
	Customer struct {
		EmailAddress string `json:"email_address"`
		PhoneNumber  string `json:"phone_number"`
		GivenName    string `json:"given_name"`
		FamilyName   string `json:"family_name"`
	} `json:"customer"`
}

// SquareClient fetches customer contact details from the Square REST
// API. Payment webhooks only carry a customer id, the email and phone
// live behind this lookup.
type SquareClient struct {
	url string
}

func NewSquareClient(conf *config.Configuration) *SquareClient {
	return &SquareClient{url: conf.Square.Url}
}

// GetCustomer fetches one customer record using the store's access
// token.
func (c *SquareClient) GetCustomer(ctx context.Context, accessToken, customerID string) (*SquareCustomer, error) {
	url := fmt.Sprintf("%s/v2/customers/%s", c.url, customerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var response squareCustomerResponse
	resp, err := request.Call(req, &response)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("square customer lookup returned status %d", resp.StatusCode)
	}
	return &SquareCustomer{
		Email:      response.Customer.EmailAddress,
		Phone:      response.Customer.PhoneNumber,
		GivenName:  response.Customer.GivenName,
		FamilyName: response.Customer.FamilyName,
	}, nil
}

// enrichSquareContact backfills contact fields on a Square transaction
// from the customers API. A failed lookup leaves the transaction as
// parsed, the payload email stays the fallback.
func (s *Satsback) enrichSquareContact(ctx context.Context, settings *model.StoreSettings, txn *model.Transaction) {
	if txn.CustomerEmail != "" || settings.SquareAccessToken == "" {
		return
	}
	customerID := txn.MetaData["customer_id"]
	if customerID == "" {
		return
	}

	customer, err := s.square.GetCustomer(ctx, settings.SquareAccessToken, customerID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"store_id":    settings.StoreID,
			"customer_id": customerID,
		}).Warn("square customer enrichment failed, continuing without contact details")
		return
	}

	txn.CustomerEmail = customer.Email
	txn.CustomerPhone = customer.Phone
	txn.CustomerName = strings.TrimSpace(customer.GivenName + " " + customer.FamilyName)
}
