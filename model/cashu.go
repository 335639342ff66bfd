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
)

// Proof is an unblinded mint signature over a secret, i.e. spendable ecash.
// Proofs are owned exclusively by the wallet ledger. A proof set selected
// for an operation is spent atomically: either every proof in the set is
// marked spent or none is, and a spent proof is never reused.
type Proof struct {
	ID        int64     `json:"-"`
	StoreID   string    `json:"store_id"`
	MintURL   string    `json:"mint_url"`
	Unit      string    `json:"unit"`
	KeysetID  string    `json:"keyset_id"`
	Amount    int64     `json:"amount"`
	Secret    string    `json:"secret"`
	C         string    `json:"C"` // hex-encoded unblinded signature point
	Spent     bool      `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// Mint is a cached record of an ecash mint the wallet has talked to.
type Mint struct {
	MintURL   string    `json:"mint_url"`
	Name      string    `json:"name,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MintKeyset is a cached public keyset for one mint and keyset id. Keys map
// amount -> compressed public key (hex). Keys of an inactive keyset are
// never handed out for new operations.
type MintKeyset struct {
	MintURL   string            `json:"mint_url"`
	KeysetID  string            `json:"keyset_id"`
	Unit      string            `json:"unit"`
	Active    bool              `json:"active"`
	Keys      map[int64]string  `json:"keys"`
	InputFee  int64             `json:"input_fee_ppk,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
	MetaData  map[string]string `json:"meta_data,omitempty"`
}

// PublicKeyFor returns the hex-encoded mint public key for an amount, or ""
// when the keyset has no key for that denomination.
func (k *MintKeyset) PublicKeyFor(amount int64) string {
	return k.Keys[amount]
}

// Operation types recorded in the failed-transaction ledger.
const (
	OperationSwap = "SWAP"
	OperationMelt = "MELT"
	OperationMint = "MINT"
)

// BlindedOutput is a blinded message sent to the mint for signing, together
// with the blinding factor and secret needed to unblind the response. The
// factor and secret never leave the wallet ledger.
type BlindedOutput struct {
	Amount         int64  `json:"amount"`
	KeysetID       string `json:"keyset_id"`
	BlindedMessage string `json:"blinded_message"` // hex B_
	Secret         string `json:"secret"`
	BlindingFactor string `json:"blinding_factor"` // hex r
}

// MeltDetails carries the melt-quote metadata needed to re-query a melt
// whose outcome was ambiguous.
type MeltDetails struct {
	QuoteID        string    `json:"quote_id"`
	PaymentRequest string    `json:"payment_request"`
	Expiry         time.Time `json:"expiry"`
	FeeReserve     int64     `json:"fee_reserve"`
}

// Resolution states for a failed transaction. The outcome is only ever
// set from the mint's answer to a status or restore query, never
// inferred locally.
const (
	ResolutionPending = "PENDING"
	// ResolutionSuccess: the mint executed the operation, the outputs
	// were credited to the store balance.
	ResolutionSuccess = "RESOLVED_SUCCESS"
	// ResolutionFailure: the mint never executed the operation, the
	// debited inputs were restored.
	ResolutionFailure = "RESOLVED_FAILURE"
)

// FailedTransaction records a mint operation that crashed mid-flight after
// proofs were debited, so the sweep can later either complete the credit or
// restore the inputs. It is never deleted while pending, and only leaves
// the pending state once the mint confirms the outcome.
type FailedTransaction struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"store_id"`
	MintURL       string          `json:"mint_url"`
	Unit          string          `json:"unit"`
	OperationType string          `json:"operation_type"`
	Inputs        []Proof         `json:"inputs"`
	Outputs       []BlindedOutput `json:"outputs"`
	Melt          *MeltDetails    `json:"melt,omitempty"`
	QuoteID       string          `json:"quote_id,omitempty"`
	ErrorReason   string          `json:"error_reason,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastRetried   *time.Time      `json:"last_retried,omitempty"`
	Resolution    string          `json:"resolution"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsResolved reports whether the record reached a terminal resolution.
func (f *FailedTransaction) IsResolved() bool {
	return f.Resolution == ResolutionSuccess || f.Resolution == ResolutionFailure
}

func (f *FailedTransaction) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// SumProofs returns the total amount carried by a proof set.
func SumProofs(proofs []Proof) int64 {
	var total int64
	for _, p := range proofs {
		total += p.Amount
	}
	return total
}
