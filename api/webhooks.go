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

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/satsback/satsback"
	"github.com/satsback/satsback/internal/apierror"
	"github.com/satsback/satsback/internal/signature"
	"github.com/satsback/satsback/model"
)

const (
	shopifySignatureHeader = "X-Shopify-Hmac-Sha256"
	squareSignatureHeader  = "X-Square-Signature"
)

// ShopifyWebhook ingests a Shopify orders/paid delivery. The raw body is
// read before parsing because the HMAC covers the exact bytes Shopify
// sent. Replayed deliveries are acknowledged; the reward store keeps
// issuance idempotent.
//
// Responses:
// - 200 OK: delivery acknowledged, no reward will be issued.
// - 202 Accepted: transaction queued for reward processing.
// - 401 Unauthorized: signature verification failed.
// - 404 Not Found: store has no rewards configuration.
func (a Api) ShopifyWebhook(c *gin.Context) {
	storeID, settings, body, ok := a.admitWebhook(c)
	if !ok {
		return
	}

	// Verification applies only when the store has a secret and the
	// delivery carries a signature. An unsigned delivery to a secured
	// store is still admitted; issuance stays idempotent either way.
	if header := c.GetHeader(shopifySignatureHeader); header != "" && settings.ShopifyWebhookSecret != "" {
		if !signature.VerifyShopify(body, header, settings.ShopifyWebhookSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			return
		}
	}

	txn, err := satsback.NormalizeShopifyOrder(body)
	if a.handleNormalizeError(c, err) {
		return
	}
	a.enqueueTransaction(c, storeID, txn)
}

// SquareWebhook ingests a Square payment.updated delivery. Square signs
// notificationURL+body, so the store settings must carry the exact URL
// registered with Square.
func (a Api) SquareWebhook(c *gin.Context) {
	storeID, settings, body, ok := a.admitWebhook(c)
	if !ok {
		return
	}

	if header := c.GetHeader(squareSignatureHeader); header != "" && settings.SquareSignatureKey != "" {
		if !signature.VerifySquare(body, header, settings.SquareSignatureKey, settings.SquareNotificationURL) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			return
		}
	}

	txn, err := satsback.NormalizeSquarePayment(body)
	if a.handleNormalizeError(c, err) {
		return
	}
	a.enqueueTransaction(c, storeID, txn)
}

// InvoiceEvent ingests a payment-server invoice event. The store comes
// from the event body rather than the route; stores without a rewards
// configuration are rejected the same way as webhook routes.
func (a Api) InvoiceEvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	storeID, txn, err := satsback.NormalizeInvoiceEvent(body)
	if a.handleNormalizeError(c, err) {
		return
	}

	if _, err := a.satsback.GetStoreSettings(c.Request.Context(), storeID); err != nil {
		if apierror.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "store has no rewards configuration"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	a.enqueueTransaction(c, storeID, txn)
}

// admitWebhook performs the shared webhook preamble: resolve the store,
// load its settings and capture the raw body.
func (a Api) admitWebhook(c *gin.Context) (string, *model.StoreSettings, []byte, bool) {
	storeID, passed := c.Params.Get("store_id")
	if !passed || storeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required. pass id in the route /:store_id"})
		return "", nil, nil, false
	}

	settings, err := a.satsback.GetStoreSettings(c.Request.Context(), storeID)
	if err != nil {
		if apierror.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "store has no rewards configuration"})
			return "", nil, nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return "", nil, nil, false
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return "", nil, nil, false
	}
	return storeID, settings, body, true
}

// handleNormalizeError writes the response for a failed normalization and
// reports whether the request is finished. Ineligible events are
// acknowledged with 200 so the platform stops retrying them.
func (a Api) handleNormalizeError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	var notEligible *satsback.ErrNotEligible
	if errors.As(err, &notEligible) {
		logrus.WithField("reason", notEligible.Reason).Info("ignoring ineligible event")
		c.JSON(http.StatusOK, gin.H{"message": "event acknowledged, no reward issued"})
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	return true
}

func (a Api) enqueueTransaction(c *gin.Context, storeID string, txn *model.Transaction) {
	if err := a.satsback.Queue().EnqueueEvent(c.Request.Context(), storeID, txn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "transaction queued for reward processing", "transaction_id": txn.TransactionID})
}
