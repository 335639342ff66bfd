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

package cashu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/satsback/satsback/model"
)

// Quote states reported by mints.
const (
	QuoteStateUnpaid  = "UNPAID"
	QuoteStatePaid    = "PAID"
	QuoteStatePending = "PENDING"
	QuoteStateIssued  = "ISSUED"
)

// MintError is a rejection the mint itself returned. Receiving one means
// the mint processed the request and refused it, so the operation
// definitively did not happen; anything else is ambiguous.
type MintError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func (e *MintError) Error() string {
	return fmt.Sprintf("mint rejected request (%d): %s", e.Code, e.Detail)
}

type blindedMessageJSON struct {
	Amount int64  `json:"amount"`
	ID     string `json:"id"`
	B      string `json:"B_"`
}

type blindSignature struct {
	Amount int64  `json:"amount"`
	ID     string `json:"id"`
	C      string `json:"C_"`
}

type proofJSON struct {
	Amount int64  `json:"amount"`
	ID     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

type keysetInfo struct {
	ID       string `json:"id"`
	Unit     string `json:"unit"`
	Active   bool   `json:"active"`
	InputFee int64  `json:"input_fee_ppk"`
}

// MintQuote is a bolt11 quote for crediting the wallet: pay Request and
// the mint will sign QuoteID's outputs.
type MintQuote struct {
	QuoteID string `json:"quote"`
	Request string `json:"request"`
	State   string `json:"state"`
	Expiry  int64  `json:"expiry"`
}

// MeltQuote prices paying a bolt11 invoice with ecash.
type MeltQuote struct {
	QuoteID    string `json:"quote"`
	Amount     int64  `json:"amount"`
	FeeReserve int64  `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     int64  `json:"expiry"`
	Preimage   string `json:"payment_preimage"`
}

// MintClient talks the mint HTTP protocol. It is stateless; every call
// names the mint URL so one client serves all configured mints.
type MintClient struct {
	httpClient *http.Client
}

func NewMintClient() *MintClient {
	return &MintClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *MintClient) do(ctx context.Context, method, url string, payload, response interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		mintErr := &MintError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, mintErr); err != nil || mintErr.Detail == "" {
			mintErr.Detail = strings.TrimSpace(string(data))
		}
		return mintErr
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("mint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if response != nil && len(data) > 0 {
		return json.Unmarshal(data, response)
	}
	return nil
}

// GetActiveKeyset fetches the mint's active keyset for a unit, including
// its public keys. Mints without an active keyset for the unit are
// unusable for new operations.
func (c *MintClient) GetActiveKeyset(ctx context.Context, mintURL, unit string) (*model.MintKeyset, error) {
	var listing struct {
		Keysets []keysetInfo `json:"keysets"`
	}
	if err := c.do(ctx, http.MethodGet, mintURL+"/v1/keysets", nil, &listing); err != nil {
		return nil, fmt.Errorf("listing keysets: %w", err)
	}

	var active *keysetInfo
	for i := range listing.Keysets {
		ks := listing.Keysets[i]
		if ks.Active && ks.Unit == unit {
			active = &ks
			break
		}
	}
	if active == nil {
		return nil, fmt.Errorf("mint %s has no active keyset for unit %s", mintURL, unit)
	}

	var keys struct {
		Keysets []struct {
			ID   string            `json:"id"`
			Unit string            `json:"unit"`
			Keys map[string]string `json:"keys"`
		} `json:"keysets"`
	}
	if err := c.do(ctx, http.MethodGet, mintURL+"/v1/keys/"+active.ID, nil, &keys); err != nil {
		return nil, fmt.Errorf("fetching keyset keys: %w", err)
	}
	if len(keys.Keysets) == 0 {
		return nil, fmt.Errorf("mint %s returned no keys for keyset %s", mintURL, active.ID)
	}

	parsed := make(map[int64]string, len(keys.Keysets[0].Keys))
	for amountStr, pubKeyHex := range keys.Keysets[0].Keys {
		amount, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("keyset %s has non-numeric amount %q", active.ID, amountStr)
		}
		parsed[amount] = pubKeyHex
	}

	return &model.MintKeyset{
		MintURL:   mintURL,
		KeysetID:  active.ID,
		Unit:      unit,
		Active:    true,
		Keys:      parsed,
		InputFee:  active.InputFee,
		FetchedAt: time.Now(),
	}, nil
}

// Swap exchanges input proofs for freshly signed outputs.
func (c *MintClient) Swap(ctx context.Context, mintURL string, inputs []model.Proof, outputs []model.BlindedOutput) ([]blindSignature, error) {
	payload := struct {
		Inputs  []proofJSON          `json:"inputs"`
		Outputs []blindedMessageJSON `json:"outputs"`
	}{
		Inputs:  toProofJSON(inputs),
		Outputs: toMessageJSON(outputs),
	}

	var response struct {
		Signatures []blindSignature `json:"signatures"`
	}
	if err := c.do(ctx, http.MethodPost, mintURL+"/v1/swap", payload, &response); err != nil {
		return nil, err
	}
	return response.Signatures, nil
}

// RequestMintQuote asks for a bolt11 invoice to credit the wallet.
func (c *MintClient) RequestMintQuote(ctx context.Context, mintURL, unit string, amount int64) (*MintQuote, error) {
	payload := struct {
		Amount int64  `json:"amount"`
		Unit   string `json:"unit"`
	}{Amount: amount, Unit: unit}

	quote := &MintQuote{}
	if err := c.do(ctx, http.MethodPost, mintURL+"/v1/mint/quote/bolt11", payload, quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// GetMintQuote re-queries a mint quote's state, retrying transient
// failures with exponential backoff.
func (c *MintClient) GetMintQuote(ctx context.Context, mintURL, quoteID string) (*MintQuote, error) {
	quote := &MintQuote{}
	operation := func() error {
		return c.do(ctx, http.MethodGet, mintURL+"/v1/mint/quote/bolt11/"+quoteID, nil, quote)
	}
	if err := retryQuery(ctx, operation); err != nil {
		return nil, err
	}
	return quote, nil
}

// MintProofs redeems a paid mint quote for blind signatures.
func (c *MintClient) MintProofs(ctx context.Context, mintURL, quoteID string, outputs []model.BlindedOutput) ([]blindSignature, error) {
	payload := struct {
		Quote   string               `json:"quote"`
		Outputs []blindedMessageJSON `json:"outputs"`
	}{Quote: quoteID, Outputs: toMessageJSON(outputs)}

	var response struct {
		Signatures []blindSignature `json:"signatures"`
	}
	if err := c.do(ctx, http.MethodPost, mintURL+"/v1/mint/bolt11", payload, &response); err != nil {
		return nil, err
	}
	return response.Signatures, nil
}

// RequestMeltQuote prices paying a bolt11 invoice from the wallet.
func (c *MintClient) RequestMeltQuote(ctx context.Context, mintURL, unit, paymentRequest string) (*MeltQuote, error) {
	payload := struct {
		Request string `json:"request"`
		Unit    string `json:"unit"`
	}{Request: paymentRequest, Unit: unit}

	quote := &MeltQuote{}
	if err := c.do(ctx, http.MethodPost, mintURL+"/v1/melt/quote/bolt11", payload, quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// GetMeltQuote re-queries a melt quote's state. The sweep leans on this
// to settle ambiguous melts, so transient failures are retried.
func (c *MintClient) GetMeltQuote(ctx context.Context, mintURL, quoteID string) (*MeltQuote, error) {
	quote := &MeltQuote{}
	operation := func() error {
		return c.do(ctx, http.MethodGet, mintURL+"/v1/melt/quote/bolt11/"+quoteID, nil, quote)
	}
	if err := retryQuery(ctx, operation); err != nil {
		return nil, err
	}
	return quote, nil
}

// Melt executes a melt quote, paying the quoted invoice with the inputs.
func (c *MintClient) Melt(ctx context.Context, mintURL, quoteID string, inputs []model.Proof) (*MeltQuote, error) {
	payload := struct {
		Quote  string      `json:"quote"`
		Inputs []proofJSON `json:"inputs"`
	}{Quote: quoteID, Inputs: toProofJSON(inputs)}

	quote := &MeltQuote{}
	if err := c.do(ctx, http.MethodPost, mintURL+"/v1/melt/bolt11", payload, quote); err != nil {
		return nil, err
	}
	return quote, nil
}

// Restore re-requests signatures for outputs the mint may have already
// signed. Used to recover operations whose response was lost.
// Signatures are returned only for outputs the mint actually signed;
// callers match them back by blinded message.
func (c *MintClient) Restore(ctx context.Context, mintURL string, outputs []model.BlindedOutput) ([]blindedMessageJSON, []blindSignature, error) {
	payload := struct {
		Outputs []blindedMessageJSON `json:"outputs"`
	}{Outputs: toMessageJSON(outputs)}

	var response struct {
		Outputs    []blindedMessageJSON `json:"outputs"`
		Signatures []blindSignature     `json:"signatures"`
	}
	if err := c.do(ctx, http.MethodPost, mintURL+"/v1/restore", payload, &response); err != nil {
		return nil, nil, err
	}
	return response.Outputs, response.Signatures, nil
}

// retryQuery wraps idempotent reads with a short exponential backoff.
// Mint rejections are returned immediately; only transport and 5xx
// failures retry.
func retryQuery(ctx context.Context, operation func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		var mintErr *MintError
		if errors.As(err, &mintErr) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func toProofJSON(proofs []model.Proof) []proofJSON {
	out := make([]proofJSON, len(proofs))
	for i, p := range proofs {
		out[i] = proofJSON{Amount: p.Amount, ID: p.KeysetID, Secret: p.Secret, C: p.C}
	}
	return out
}

func toMessageJSON(outputs []model.BlindedOutput) []blindedMessageJSON {
	out := make([]blindedMessageJSON, len(outputs))
	for i, o := range outputs {
		out[i] = blindedMessageJSON{Amount: o.Amount, ID: o.KeysetID, B: o.BlindedMessage}
	}
	return out
}
