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

// Package signature verifies the authenticity of inbound commerce webhooks.
// Both platforms sign the raw request bytes, so callers must capture the
// body before any JSON parsing.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifyShopify checks a Shopify webhook signature: HMAC-SHA256 over the
// raw body, hex encoded, compared case-insensitively against the
// X-Shopify-Hmac-Sha256 header value. Shopify publishes the digest in
// Base64 on newer API versions and hex on older ones; both encodings are
// accepted.
func VerifyShopify(rawBody []byte, header, secret string) bool {
	if secret == "" || header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	digest := mac.Sum(nil)

	if subtle.ConstantTimeCompare([]byte(base64.StdEncoding.EncodeToString(digest)), []byte(header)) == 1 {
		return true
	}

	hexDigest := hex.EncodeToString(digest)
	return strings.EqualFold(hexDigest, header)
}

// VerifySquare checks a Square webhook signature: HMAC-SHA256 over
// notificationURL + raw body, Base64 encoded, compared in constant time
// against the X-Square-Signature header value.
func VerifySquare(rawBody []byte, header, signatureKey, notificationURL string) bool {
	if signatureKey == "" || header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signatureKey))
	mac.Write([]byte(notificationURL))
	mac.Write(rawBody)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}
