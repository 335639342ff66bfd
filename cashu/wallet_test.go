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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/jarcoal/httpmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsback/satsback/database"
	"github.com/satsback/satsback/internal/apierror"
	"github.com/satsback/satsback/model"
)

// fakeWalletStore is an in-memory walletStore for wallet and sweeper
// tests.
type fakeWalletStore struct {
	mu            sync.Mutex
	proofs        []model.Proof
	keysets       map[string]*model.MintKeyset
	mints         map[string]*model.Mint
	failed        map[string]*model.FailedTransaction
	saveProofsErr error
}

func newFakeWalletStore() *fakeWalletStore {
	return &fakeWalletStore{
		keysets: make(map[string]*model.MintKeyset),
		mints:   make(map[string]*model.Mint),
		failed:  make(map[string]*model.FailedTransaction),
	}
}

func (f *fakeWalletStore) SaveProofs(_ context.Context, proofs []model.Proof) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveProofsErr != nil {
		return f.saveProofsErr
	}
	f.proofs = append(f.proofs, proofs...)
	return nil
}

func (f *fakeWalletStore) SpendProofs(_ context.Context, storeID, mintURL, unit string, amount int64) ([]model.Proof, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var selected []model.Proof
	var total int64
	for i := range f.proofs {
		p := &f.proofs[i]
		if total >= amount {
			break
		}
		if p.StoreID == storeID && p.MintURL == mintURL && p.Unit == unit && !p.Spent {
			p.Spent = true
			selected = append(selected, *p)
			total += p.Amount
		}
	}
	if total < amount {
		for _, p := range selected {
			f.restoreLocked(p.Secret)
		}
		return nil, database.ErrInsufficientBalance
	}
	return selected, nil
}

func (f *fakeWalletStore) restoreLocked(secret string) {
	for i := range f.proofs {
		if f.proofs[i].Secret == secret {
			f.proofs[i].Spent = false
		}
	}
}

func (f *fakeWalletStore) RestoreProofs(_ context.Context, proofs []model.Proof) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range proofs {
		f.restoreLocked(p.Secret)
	}
	return nil
}

func (f *fakeWalletStore) WalletBalance(_ context.Context, storeID, mintURL, unit string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, p := range f.proofs {
		if p.StoreID == storeID && p.MintURL == mintURL && p.Unit == unit && !p.Spent {
			total += p.Amount
		}
	}
	return total, nil
}

func (f *fakeWalletStore) GetMint(_ context.Context, mintURL string) (*model.Mint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mint, ok := f.mints[mintURL]; ok {
		return mint, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "mint not known", nil)
}

func (f *fakeWalletStore) SaveMint(_ context.Context, mint *model.Mint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints[mint.MintURL] = mint
	return nil
}

func (f *fakeWalletStore) GetMintKeyset(_ context.Context, mintURL, keysetID string) (*model.MintKeyset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ks, ok := f.keysets[mintURL+"/"+keysetID]; ok {
		return ks, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "keyset not cached", nil)
}

func (f *fakeWalletStore) GetActiveMintKeyset(_ context.Context, mintURL, unit string) (*model.MintKeyset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ks := range f.keysets {
		if ks.MintURL == mintURL && ks.Unit == unit && ks.Active {
			return ks, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "keyset not cached", nil)
}

func (f *fakeWalletStore) SaveMintKeyset(_ context.Context, keyset *model.MintKeyset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysets[keyset.MintURL+"/"+keyset.KeysetID] = keyset
	return nil
}

func (f *fakeWalletStore) RecordFailedTransaction(_ context.Context, ft *model.FailedTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[ft.ID] = ft
	return nil
}

func (f *fakeWalletStore) GetUnresolvedFailedTransactions(_ context.Context, limit int) ([]model.FailedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fts []model.FailedTransaction
	for _, ft := range f.failed {
		if !ft.IsResolved() && len(fts) < limit {
			fts = append(fts, *ft)
		}
	}
	return fts, nil
}

func (f *fakeWalletStore) MarkFailedTransactionResolved(_ context.Context, id, resolution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.failed[id]; ok {
		ft.Resolution = resolution
	}
	return nil
}

func (f *fakeWalletStore) TouchFailedTransactionRetry(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.failed[id]; ok {
		ft.RetryCount++
	}
	return nil
}

const testMint = "https://mint.example.com"

// seedWalletStore builds a store holding a cached keyset signed by a
// fresh test mint key and a funded proof balance.
func seedWalletStore(t *testing.T, balanceDenoms []int64) (*fakeWalletStore, *btcec.PrivateKey) {
	t.Helper()

	mintKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	keys := make(map[int64]string)
	for bit := 0; bit < 16; bit++ {
		keys[int64(1)<<bit] = hex.EncodeToString(mintKey.PubKey().SerializeCompressed())
	}

	store := newFakeWalletStore()
	require.NoError(t, store.SaveMintKeyset(context.Background(), &model.MintKeyset{
		MintURL:   testMint,
		KeysetID:  "00abc",
		Unit:      "sat",
		Active:    true,
		Keys:      keys,
		FetchedAt: time.Now(),
	}))

	for i, denom := range balanceDenoms {
		require.NoError(t, store.SaveProofs(context.Background(), []model.Proof{{
			StoreID:  "store_1",
			MintURL:  testMint,
			Unit:     "sat",
			KeysetID: "00abc",
			Amount:   denom,
			Secret:   fmt.Sprintf("seed-secret-%d", i),
			C:        "02aa",
		}}))
	}
	return store, mintKey
}

// setupTestWallet seeds a wallet over a mocked redis lock.
func setupTestWallet(t *testing.T, balanceDenoms []int64) (*Wallet, *fakeWalletStore, *btcec.PrivateKey, redismock.ClientMock) {
	t.Helper()

	store, mintKey := seedWalletStore(t, balanceDenoms)

	redisClient, redisMock := redismock.NewClientMock()
	redisMock.MatchExpectationsInOrder(false)
	redisMock.Regexp().ExpectSetNX("wallet:store_1", `.*`, walletLockTimeout).SetVal(true)
	redisMock.Regexp().ExpectEval(`.*`, []string{"wallet:store_1"}, `.*`).SetVal(int64(1))

	return NewWallet(store, NewMintClient(), redisClient), store, mintKey, redisMock
}

// registerSwapResponder simulates the mint's swap endpoint: it signs
// every requested output with the test mint key.
func registerSwapResponder(t *testing.T, mintKey *btcec.PrivateKey) {
	t.Helper()
	httpmock.RegisterResponder(http.MethodPost, testMint+"/v1/swap",
		func(req *http.Request) (*http.Response, error) {
			var payload struct {
				Inputs  []proofJSON          `json:"inputs"`
				Outputs []blindedMessageJSON `json:"outputs"`
			}
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			signatures := make([]blindSignature, len(payload.Outputs))
			for i, output := range payload.Outputs {
				signatures[i] = blindSignature{
					Amount: output.Amount,
					ID:     output.ID,
					C:      signBlinded(t, mintKey, output.B),
				}
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"signatures": signatures,
			})
		})
}

func TestSendToken_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, mintKey, _ := setupTestWallet(t, []int64{64, 32, 8})
	registerSwapResponder(t, mintKey)

	token, err := wallet.SendToken(context.Background(), "store_1", testMint, "sat", 90, "enjoy your sats")
	require.NoError(t, err)

	mintURL, unit, proofs, err := DeserializeToken(token)
	require.NoError(t, err)
	assert.Equal(t, testMint, mintURL)
	assert.Equal(t, "sat", unit)
	assert.Equal(t, int64(90), model.SumProofs(proofs))

	// 104 funded, 90 sent: 14 change credited back.
	balance, err := store.WalletBalance(context.Background(), "store_1", testMint, "sat")
	require.NoError(t, err)
	assert.Equal(t, int64(14), balance)
	assert.Empty(t, store.failed)
}

func TestSendToken_InsufficientBalance(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, _, _ := setupTestWallet(t, []int64{8})

	_, err := wallet.SendToken(context.Background(), "store_1", testMint, "sat", 90, "")
	assert.True(t, IsInsufficientBalance(err))

	// Nothing left the wallet.
	balance, _ := store.WalletBalance(context.Background(), "store_1", testMint, "sat")
	assert.Equal(t, int64(8), balance)
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestSendToken_MintRejection_RestoresProofs(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, _, _ := setupTestWallet(t, []int64{64, 32})
	httpmock.RegisterResponder(http.MethodPost, testMint+"/v1/swap",
		httpmock.NewJsonResponderOrPanic(http.StatusBadRequest, map[string]interface{}{
			"code": 11001, "detail": "inputs already spent",
		}))

	_, err := wallet.SendToken(context.Background(), "store_1", testMint, "sat", 90, "")
	require.Error(t, err)
	var mintErr *MintError
	assert.ErrorAs(t, err, &mintErr)

	// A definite rejection restores the inputs and records nothing.
	balance, _ := store.WalletBalance(context.Background(), "store_1", testMint, "sat")
	assert.Equal(t, int64(96), balance)
	assert.Empty(t, store.failed)
}

func TestSendToken_AmbiguousFailure_RecordsFailedTransaction(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, _, _ := setupTestWallet(t, []int64{64, 32})
	httpmock.RegisterResponder(http.MethodPost, testMint+"/v1/swap",
		httpmock.NewErrorResponder(fmt.Errorf("connection reset by peer")))

	_, err := wallet.SendToken(context.Background(), "store_1", testMint, "sat", 90, "")
	require.Error(t, err)

	// Inputs stay debited; the ledger holds the recovery record.
	balance, _ := store.WalletBalance(context.Background(), "store_1", testMint, "sat")
	assert.Equal(t, int64(0), balance)
	require.Len(t, store.failed, 1)
	for _, ft := range store.failed {
		assert.Equal(t, model.OperationSwap, ft.OperationType)
		assert.Equal(t, int64(96), model.SumProofs(ft.Inputs))
		assert.NotEmpty(t, ft.Outputs)
		assert.False(t, ft.IsResolved())
	}
}

func TestSendToken_ChangeSaveFailure_RecordsFailedTransaction(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, mintKey, _ := setupTestWallet(t, []int64{64, 32, 8})
	registerSwapResponder(t, mintKey)
	store.saveProofsErr = fmt.Errorf("connection refused")

	_, err := wallet.SendToken(context.Background(), "store_1", testMint, "sat", 90, "")
	require.Error(t, err)

	// The swap went through but the change credit did not: the debited
	// inputs must not vanish without a recovery record. The mint still
	// holds the signatures, so the outputs go into the ledger for the
	// sweep to restore.
	require.Len(t, store.failed, 1)
	for _, ft := range store.failed {
		assert.Equal(t, model.OperationSwap, ft.OperationType)
		assert.Equal(t, int64(104), model.SumProofs(ft.Inputs))
		assert.NotEmpty(t, ft.Outputs)
		assert.False(t, ft.IsResolved())
	}
}

func TestSendToken_ConcurrentOverspend(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, mintKey := seedWalletStore(t, []int64{64})
	wallet := NewWallet(store, NewMintClient(), redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	registerSwapResponder(t, mintKey)

	// Two workers race to send 64 sats each from a 64 sat balance. The
	// wallet lock serializes them; the loser must see an insufficient
	// balance, never a double spend.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = wallet.SendToken(context.Background(), "store_1", testMint, "sat", 64, "")
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case IsInsufficientBalance(err):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	balance, _ := store.WalletBalance(context.Background(), "store_1", testMint, "sat")
	assert.Equal(t, int64(0), balance)
	assert.Empty(t, store.failed)
}

func TestPayInvoice_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, _, _ := setupTestWallet(t, []int64{64, 32, 8})

	httpmock.RegisterResponder(http.MethodPost, testMint+"/v1/melt/quote/bolt11",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
			"quote": "quote_1", "amount": 90, "fee_reserve": 2, "state": QuoteStateUnpaid,
		}))
	httpmock.RegisterResponder(http.MethodPost, testMint+"/v1/melt/bolt11",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
			"quote": "quote_1", "state": QuoteStatePaid, "payment_preimage": "deadbeef",
		}))

	preimage, debited, err := wallet.PayInvoice(context.Background(), "store_1", testMint, "sat", "lnbc900n1...")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", preimage)
	// Quote needs 92; the spend grabs 64+32.
	assert.Equal(t, int64(96), debited)

	balance, _ := store.WalletBalance(context.Background(), "store_1", testMint, "sat")
	assert.Equal(t, int64(8), balance)
}

func TestSweeper_RetrySwap_NeverExecuted(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, _, _ := setupTestWallet(t, nil)
	sweeper := NewSweeper(wallet, time.Minute, 10)

	inputs := []model.Proof{{StoreID: "store_1", MintURL: testMint, Unit: "sat", KeysetID: "00abc", Amount: 64, Secret: "spent-secret", C: "02aa", Spent: true}}
	store.proofs = append(store.proofs, inputs...)
	outputs, err := newBlindedOutputs(64, "00abc")
	require.NoError(t, err)

	require.NoError(t, store.RecordFailedTransaction(context.Background(), &model.FailedTransaction{
		ID:            "failed_1",
		StoreID:       "store_1",
		MintURL:       testMint,
		Unit:          "sat",
		OperationType: model.OperationSwap,
		Inputs:        inputs,
		Outputs:       outputs,
	}))

	// Mint never saw the swap: restore returns no signatures.
	httpmock.RegisterResponder(http.MethodPost, testMint+"/v1/restore",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
			"outputs": []interface{}{}, "signatures": []interface{}{},
		}))

	sweeper.SweepOnce(context.Background())

	assert.Equal(t, model.ResolutionFailure, store.failed["failed_1"].Resolution)
	balance, _ := store.WalletBalance(context.Background(), "store_1", testMint, "sat")
	assert.Equal(t, int64(64), balance)
}

func TestSweeper_RetryMelt_ExpiredUnpaid(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, _, _ := setupTestWallet(t, nil)
	sweeper := NewSweeper(wallet, time.Minute, 10)

	inputs := []model.Proof{{StoreID: "store_1", MintURL: testMint, Unit: "sat", KeysetID: "00abc", Amount: 32, Secret: "melt-secret", C: "02aa", Spent: true}}
	store.proofs = append(store.proofs, inputs...)

	require.NoError(t, store.RecordFailedTransaction(context.Background(), &model.FailedTransaction{
		ID:            "failed_2",
		StoreID:       "store_1",
		MintURL:       testMint,
		Unit:          "sat",
		OperationType: model.OperationMelt,
		Inputs:        inputs,
		Melt: &model.MeltDetails{
			QuoteID:        "quote_2",
			PaymentRequest: "lnbc1...",
			Expiry:         time.Now().Add(-time.Hour),
			FeeReserve:     2,
		},
	}))

	httpmock.RegisterResponder(http.MethodGet, testMint+"/v1/melt/quote/bolt11/quote_2",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
			"quote": "quote_2", "state": QuoteStateUnpaid,
		}))

	sweeper.SweepOnce(context.Background())

	assert.Equal(t, model.ResolutionFailure, store.failed["failed_2"].Resolution)
	balance, _ := store.WalletBalance(context.Background(), "store_1", testMint, "sat")
	assert.Equal(t, int64(32), balance)
}

func TestSweeper_RetryMelt_Pending_StaysUnresolved(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	wallet, store, _, _ := setupTestWallet(t, nil)
	sweeper := NewSweeper(wallet, time.Minute, 10)

	require.NoError(t, store.RecordFailedTransaction(context.Background(), &model.FailedTransaction{
		ID:            "failed_3",
		StoreID:       "store_1",
		MintURL:       testMint,
		Unit:          "sat",
		OperationType: model.OperationMelt,
		Melt:          &model.MeltDetails{QuoteID: "quote_3", Expiry: time.Now().Add(time.Hour)},
	}))

	httpmock.RegisterResponder(http.MethodGet, testMint+"/v1/melt/quote/bolt11/quote_3",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
			"quote": "quote_3", "state": QuoteStatePending,
		}))

	sweeper.SweepOnce(context.Background())

	ft := store.failed["failed_3"]
	assert.False(t, ft.IsResolved())
	assert.Equal(t, 1, ft.RetryCount)
}

func TestSweeper_MaxRetriesExhausted(t *testing.T) {
	wallet, store, _, _ := setupTestWallet(t, nil)
	sweeper := NewSweeper(wallet, time.Minute, 3)

	require.NoError(t, store.RecordFailedTransaction(context.Background(), &model.FailedTransaction{
		ID:            "failed_4",
		StoreID:       "store_1",
		OperationType: model.OperationMelt,
		RetryCount:    3,
		Melt:          &model.MeltDetails{QuoteID: "quote_4"},
	}))

	sweeper.SweepOnce(context.Background())

	// Exhausted records are skipped, not resolved.
	ft := store.failed["failed_4"]
	assert.False(t, ft.IsResolved())
	assert.Equal(t, 3, ft.RetryCount)
}
