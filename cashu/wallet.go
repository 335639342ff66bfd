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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/satsback/satsback/database"
	redlock "github.com/satsback/satsback/internal/lock"
	"github.com/satsback/satsback/model"
)

const (
	// keysetRefreshInterval bounds how stale a cached keyset may get
	// before the mint is asked again.
	keysetRefreshInterval = 12 * time.Hour

	walletLockTimeout = 30 * time.Second
	walletLockWait    = 10 * time.Second
)

// ErrQuoteUnpaid is returned when redeeming a funding invoice that the
// mint has not seen paid yet.
var ErrQuoteUnpaid = errors.New("mint quote not paid")

// walletStore is the slice of persistence the wallet needs.
type walletStore interface {
	SaveProofs(ctx context.Context, proofs []model.Proof) error
	SpendProofs(ctx context.Context, storeID, mintURL, unit string, amount int64) ([]model.Proof, error)
	RestoreProofs(ctx context.Context, proofs []model.Proof) error
	WalletBalance(ctx context.Context, storeID, mintURL, unit string) (int64, error)
	GetMint(ctx context.Context, mintURL string) (*model.Mint, error)
	SaveMint(ctx context.Context, mint *model.Mint) error
	GetMintKeyset(ctx context.Context, mintURL, keysetID string) (*model.MintKeyset, error)
	GetActiveMintKeyset(ctx context.Context, mintURL, unit string) (*model.MintKeyset, error)
	SaveMintKeyset(ctx context.Context, keyset *model.MintKeyset) error
	RecordFailedTransaction(ctx context.Context, ft *model.FailedTransaction) error
	GetUnresolvedFailedTransactions(ctx context.Context, limit int) ([]model.FailedTransaction, error)
	MarkFailedTransactionResolved(ctx context.Context, id, resolution string) error
	TouchFailedTransactionRetry(ctx context.Context, id string) error
}

// Wallet is the ecash ledger. It owns every proof it holds: callers never
// see raw proofs, only tokens and payment results. Per-store operations
// are serialized with a distributed lock so two workers cannot double
// spend from the same wallet.
type Wallet struct {
	store  walletStore
	client *MintClient
	redis  redis.UniversalClient
}

func NewWallet(store walletStore, client *MintClient, redisClient redis.UniversalClient) *Wallet {
	if client == nil {
		client = NewMintClient()
	}
	return &Wallet{store: store, client: client, redis: redisClient}
}

// lockWallet serializes wallet mutations for one store. The lock value is
// unique per acquisition so an expired lock is never released by its
// former holder.
func (w *Wallet) lockWallet(ctx context.Context, storeID string) (*redlock.Locker, error) {
	locker := redlock.NewLocker(w.redis, fmt.Sprintf("wallet:%s", storeID), model.GenerateUUIDWithSuffix("lock"))
	if err := locker.WaitLock(ctx, walletLockTimeout, walletLockWait); err != nil {
		return nil, fmt.Errorf("acquiring wallet lock: %w", err)
	}
	return locker, nil
}

// Keyset returns the active keyset for a mint and unit, refreshing from
// the mint when the cache is cold or stale. Inactive keysets are never
// returned.
func (w *Wallet) Keyset(ctx context.Context, mintURL, unit string) (*model.MintKeyset, error) {
	cached, err := w.store.GetActiveMintKeyset(ctx, mintURL, unit)
	if err == nil && time.Since(cached.FetchedAt) < keysetRefreshInterval {
		return cached, nil
	}

	fresh, fetchErr := w.client.GetActiveKeyset(ctx, mintURL, unit)
	if fetchErr != nil {
		if cached != nil {
			logrus.WithError(fetchErr).WithField("mint", mintURL).Warn("keyset refresh failed, using cached keyset")
			return cached, nil
		}
		return nil, fetchErr
	}

	if err := w.store.SaveMintKeyset(ctx, fresh); err != nil {
		return nil, err
	}
	if _, err := w.store.GetMint(ctx, mintURL); err != nil {
		saveErr := w.store.SaveMint(ctx, &model.Mint{MintURL: mintURL, Active: true})
		if saveErr != nil {
			logrus.WithError(saveErr).WithField("mint", mintURL).Warn("failed to record mint")
		}
	}
	return fresh, nil
}

// Balance reports the spendable amount held for a store at one mint.
func (w *Wallet) Balance(ctx context.Context, storeID, mintURL, unit string) (int64, error) {
	return w.store.WalletBalance(ctx, storeID, mintURL, unit)
}

// SendToken debits amount from the store's wallet and returns a bearer
// ecash token for exactly that amount. Change from the swap is credited
// back. On an ambiguous mint failure the debited proofs are parked in the
// failed-transaction ledger for the sweep; on a definite rejection they
// are restored immediately.
func (w *Wallet) SendToken(ctx context.Context, storeID, mintURL, unit string, amount int64, memo string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("token amount must be positive, got %d", amount)
	}

	locker, err := w.lockWallet(ctx, storeID)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warn("failed to release wallet lock")
		}
	}()

	keyset, err := w.Keyset(ctx, mintURL, unit)
	if err != nil {
		return "", err
	}

	inputs, err := w.store.SpendProofs(ctx, storeID, mintURL, unit, amount)
	if err != nil {
		return "", err
	}

	tokenOutputs, err := newBlindedOutputs(amount, keyset.KeysetID)
	if err != nil {
		w.restoreInputs(ctx, inputs)
		return "", err
	}
	var changeOutputs []model.BlindedOutput
	if change := model.SumProofs(inputs) - amount; change > 0 {
		changeOutputs, err = newBlindedOutputs(change, keyset.KeysetID)
		if err != nil {
			w.restoreInputs(ctx, inputs)
			return "", err
		}
	}
	outputs := append(append([]model.BlindedOutput{}, tokenOutputs...), changeOutputs...)

	signatures, err := w.client.Swap(ctx, mintURL, inputs, outputs)
	if err != nil {
		return "", w.handleMintFailure(ctx, storeID, mintURL, unit, model.OperationSwap, inputs, outputs, nil, err)
	}

	proofs, err := unblindProofs(storeID, mintURL, unit, outputs, signatures, keyset)
	if err != nil {
		// Signed but not unblindable: recoverable via restore.
		return "", w.handleMintFailure(ctx, storeID, mintURL, unit, model.OperationSwap, inputs, outputs, nil, err)
	}

	tokenProofs := proofs[:len(tokenOutputs)]
	changeProofs := proofs[len(tokenOutputs):]
	if err := w.store.SaveProofs(ctx, changeProofs); err != nil {
		// The swap went through but the credit write did not, so the
		// signed outputs exist only in memory. Park the operation with
		// its outputs; the sweep recovers the signatures from the mint
		// and credits them.
		ft := &model.FailedTransaction{
			ID:            model.GenerateUUIDWithSuffix("failed"),
			StoreID:       storeID,
			MintURL:       mintURL,
			Unit:          unit,
			OperationType: model.OperationSwap,
			Inputs:        inputs,
			Outputs:       outputs,
			ErrorReason:   err.Error(),
		}
		if recordErr := w.store.RecordFailedTransaction(ctx, ft); recordErr != nil {
			logrus.WithError(recordErr).WithField("store_id", storeID).Error("failed to record unsaved swap change")
		}
		return "", err
	}

	return SerializeToken(mintURL, unit, memo, tokenProofs)
}

// PayInvoice pays a bolt11 invoice from the store's wallet via the mint
// (melt). It returns the payment preimage and the total amount debited
// including fees.
func (w *Wallet) PayInvoice(ctx context.Context, storeID, mintURL, unit, paymentRequest string) (string, int64, error) {
	locker, err := w.lockWallet(ctx, storeID)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warn("failed to release wallet lock")
		}
	}()

	quote, err := w.client.RequestMeltQuote(ctx, mintURL, unit, paymentRequest)
	if err != nil {
		return "", 0, err
	}
	needed := quote.Amount + quote.FeeReserve

	inputs, err := w.store.SpendProofs(ctx, storeID, mintURL, unit, needed)
	if err != nil {
		return "", 0, err
	}

	melt := &model.MeltDetails{
		QuoteID:        quote.QuoteID,
		PaymentRequest: paymentRequest,
		Expiry:         time.Unix(quote.Expiry, 0),
		FeeReserve:     quote.FeeReserve,
	}

	result, err := w.client.Melt(ctx, mintURL, quote.QuoteID, inputs)
	if err != nil {
		return "", 0, w.handleMintFailure(ctx, storeID, mintURL, unit, model.OperationMelt, inputs, nil, melt, err)
	}

	switch result.State {
	case QuoteStatePaid:
		// Overshoot beyond the quoted amount and fee reserve stays with
		// the mint; the reserve makes it small.
		return result.Preimage, model.SumProofs(inputs), nil
	case QuoteStatePending:
		return "", 0, w.handleMintFailure(ctx, storeID, mintURL, unit, model.OperationMelt, inputs, nil, melt,
			fmt.Errorf("melt quote %s still pending", quote.QuoteID))
	default:
		w.restoreInputs(ctx, inputs)
		return "", 0, fmt.Errorf("melt failed with state %s", result.State)
	}
}

// RequestFunding asks the mint for a bolt11 invoice that, once paid,
// credits amount to the store's wallet.
func (w *Wallet) RequestFunding(ctx context.Context, mintURL, unit string, amount int64) (*MintQuote, error) {
	return w.client.RequestMintQuote(ctx, mintURL, unit, amount)
}

// RedeemFunding redeems a paid funding quote into wallet proofs. Returns
// ErrQuoteUnpaid while the invoice is outstanding.
func (w *Wallet) RedeemFunding(ctx context.Context, storeID, mintURL, unit, quoteID string, amount int64) error {
	quote, err := w.client.GetMintQuote(ctx, mintURL, quoteID)
	if err != nil {
		return err
	}
	if quote.State != QuoteStatePaid {
		return ErrQuoteUnpaid
	}

	keyset, err := w.Keyset(ctx, mintURL, unit)
	if err != nil {
		return err
	}
	outputs, err := newBlindedOutputs(amount, keyset.KeysetID)
	if err != nil {
		return err
	}

	signatures, err := w.client.MintProofs(ctx, mintURL, quoteID, outputs)
	if err != nil {
		if isAmbiguous(err) {
			ft := &model.FailedTransaction{
				ID:            model.GenerateUUIDWithSuffix("failed"),
				StoreID:       storeID,
				MintURL:       mintURL,
				Unit:          unit,
				OperationType: model.OperationMint,
				Outputs:       outputs,
				QuoteID:       quoteID,
				ErrorReason:   err.Error(),
			}
			if recordErr := w.store.RecordFailedTransaction(ctx, ft); recordErr != nil {
				logrus.WithError(recordErr).Error("failed to record ambiguous mint operation")
			}
		}
		return err
	}

	proofs, err := unblindProofs(storeID, mintURL, unit, outputs, signatures, keyset)
	if err != nil {
		return err
	}
	return w.store.SaveProofs(ctx, proofs)
}

// handleMintFailure classifies a failed mint call. Definite rejections
// restore the debited proofs; anything ambiguous parks them in the
// failed-transaction ledger so the sweep can settle the outcome with the
// mint later. The record write happens before the error propagates.
func (w *Wallet) handleMintFailure(ctx context.Context, storeID, mintURL, unit, operation string, inputs []model.Proof, outputs []model.BlindedOutput, melt *model.MeltDetails, cause error) error {
	if !isAmbiguous(cause) {
		w.restoreInputs(ctx, inputs)
		return cause
	}

	ft := &model.FailedTransaction{
		ID:            model.GenerateUUIDWithSuffix("failed"),
		StoreID:       storeID,
		MintURL:       mintURL,
		Unit:          unit,
		OperationType: operation,
		Inputs:        inputs,
		Outputs:       outputs,
		Melt:          melt,
		ErrorReason:   cause.Error(),
	}
	if melt != nil {
		ft.QuoteID = melt.QuoteID
	}
	if err := w.store.RecordFailedTransaction(ctx, ft); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"store_id":  storeID,
			"operation": operation,
		}).Error("failed to record ambiguous mint operation")
	}
	return cause
}

func (w *Wallet) restoreInputs(ctx context.Context, inputs []model.Proof) {
	if err := w.store.RestoreProofs(ctx, inputs); err != nil {
		logrus.WithError(err).Error("failed to restore proofs after rejected mint operation")
	}
}

// isAmbiguous reports whether a mint call failed without a definite
// rejection from the mint. Transport errors, timeouts and 5xx responses
// all leave the operation's outcome unknown.
func isAmbiguous(err error) bool {
	var mintErr *MintError
	return !errors.As(err, &mintErr)
}

// IsInsufficientBalance reports whether err means the wallet could not
// cover the amount. Callers fall through to the next funding source
// instead of retrying.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, database.ErrInsufficientBalance)
}

type tokenEntryJSON struct {
	Mint   string      `json:"mint"`
	Proofs []proofJSON `json:"proofs"`
}

type tokenJSON struct {
	Token []tokenEntryJSON `json:"token"`
	Unit  string           `json:"unit"`
	Memo  string           `json:"memo,omitempty"`
}

// SerializeToken encodes proofs as a v3 bearer token ("cashuA" prefix,
// base64url JSON). Whoever holds the string holds the money.
func SerializeToken(mintURL, unit, memo string, proofs []model.Proof) (string, error) {
	token := tokenJSON{
		Token: []tokenEntryJSON{{Mint: mintURL, Proofs: toProofJSON(proofs)}},
		Unit:  unit,
		Memo:  memo,
	}
	data, err := json.Marshal(token)
	if err != nil {
		return "", err
	}
	return "cashuA" + base64.RawURLEncoding.EncodeToString(data), nil
}

// DeserializeToken parses a v3 token back into proofs, used in tests and
// when re-importing unclaimed tokens.
func DeserializeToken(token string) (string, string, []model.Proof, error) {
	const prefix = "cashuA"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return "", "", nil, errors.New("unrecognized token format")
	}
	data, err := base64.RawURLEncoding.DecodeString(token[len(prefix):])
	if err != nil {
		// Some wallets emit padded base64.
		data, err = base64.URLEncoding.DecodeString(token[len(prefix):])
		if err != nil {
			return "", "", nil, fmt.Errorf("decoding token: %w", err)
		}
	}

	var parsed tokenJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", "", nil, fmt.Errorf("parsing token: %w", err)
	}
	if len(parsed.Token) == 0 {
		return "", "", nil, errors.New("token carries no proofs")
	}

	entry := parsed.Token[0]
	proofs := make([]model.Proof, len(entry.Proofs))
	for i, p := range entry.Proofs {
		proofs[i] = model.Proof{
			MintURL:  entry.Mint,
			Unit:     parsed.Unit,
			KeysetID: p.ID,
			Amount:   p.Amount,
			Secret:   p.Secret,
			C:        p.C,
		}
	}
	return entry.Mint, parsed.Unit, proofs, nil
}
