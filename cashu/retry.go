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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satsback/satsback/model"
)

const sweepBatchSize = 50

// Sweeper periodically settles ambiguous mint operations recorded in the
// failed-transaction ledger. Each pass re-reads persisted state, so an
// interrupted sweep resumes from where the ledger says it left off.
type Sweeper struct {
	wallet     *Wallet
	interval   time.Duration
	maxRetries int
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

func NewSweeper(wallet *Wallet, interval time.Duration, maxRetries int) *Sweeper {
	return &Sweeper{
		wallet:     wallet,
		interval:   interval,
		maxRetries: maxRetries,
		stopCh:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		logrus.Infof("Failed-transaction sweeper started with interval: %v", s.interval)

		s.SweepOnce(context.Background())

		for {
			select {
			case <-ticker.C:
				s.SweepOnce(context.Background())
			case <-s.stopCh:
				logrus.Info("Failed-transaction sweeper stopping...")
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logrus.Info("Failed-transaction sweeper stopped")
}

// SweepOnce processes one batch of unresolved failed transactions.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	fts, err := s.wallet.store.GetUnresolvedFailedTransactions(ctx, sweepBatchSize)
	if err != nil {
		logrus.Errorf("Sweeper: failed to fetch unresolved transactions: %v", err)
		return
	}
	if len(fts) == 0 {
		return
	}

	logrus.Infof("Sweeper: retrying %d unresolved transactions", len(fts))

	for i := range fts {
		ft := &fts[i]
		if s.maxRetries > 0 && ft.RetryCount >= s.maxRetries {
			logrus.Warnf("Sweeper: transaction %s exhausted %d retries, leaving for operator review", ft.ID, ft.RetryCount)
			continue
		}
		s.retryTransaction(ctx, ft)
	}
}

func (s *Sweeper) retryTransaction(ctx context.Context, ft *model.FailedTransaction) {
	var resolution string
	var err error

	switch ft.OperationType {
	case model.OperationSwap:
		resolution, err = s.retrySwap(ctx, ft)
	case model.OperationMelt:
		resolution, err = s.retryMelt(ctx, ft)
	case model.OperationMint:
		resolution, err = s.retryMint(ctx, ft)
	default:
		logrus.Errorf("Sweeper: transaction %s has unknown operation %q", ft.ID, ft.OperationType)
		return
	}

	if err != nil {
		logrus.Errorf("Sweeper: retry of %s failed: %v", ft.ID, err)
		if touchErr := s.wallet.store.TouchFailedTransactionRetry(ctx, ft.ID); touchErr != nil {
			logrus.Errorf("Sweeper: failed to bump retry count for %s: %v", ft.ID, touchErr)
		}
		return
	}
	if resolution == "" {
		if touchErr := s.wallet.store.TouchFailedTransactionRetry(ctx, ft.ID); touchErr != nil {
			logrus.Errorf("Sweeper: failed to bump retry count for %s: %v", ft.ID, touchErr)
		}
		return
	}

	if err := s.wallet.store.MarkFailedTransactionResolved(ctx, ft.ID, resolution); err != nil {
		logrus.Errorf("Sweeper: failed to mark %s resolved: %v", ft.ID, err)
		return
	}
	logrus.Infof("Sweeper: transaction %s resolved as %s", ft.ID, resolution)
}

// retrySwap settles an ambiguous swap. The restore endpoint tells us
// which outputs the mint actually signed: all of them means the swap went
// through and the proofs can be credited; none means it never happened
// and the inputs come back.
func (s *Sweeper) retrySwap(ctx context.Context, ft *model.FailedTransaction) (string, error) {
	keyset, err := s.keysetFor(ctx, ft)
	if err != nil {
		return "", err
	}

	signedOutputs, signatures, err := s.wallet.client.Restore(ctx, ft.MintURL, ft.Outputs)
	if err != nil {
		return "", err
	}

	if len(signatures) == 0 {
		// Swap never executed. Put the inputs back.
		if err := s.wallet.store.RestoreProofs(ctx, ft.Inputs); err != nil {
			return "", err
		}
		return model.ResolutionFailure, nil
	}

	matched := matchOutputs(ft.Outputs, signedOutputs)
	if len(matched) != len(signatures) {
		return "", nil
	}

	proofs, err := unblindProofs(ft.StoreID, ft.MintURL, ft.Unit, matched, signatures, keyset)
	if err != nil {
		return "", err
	}
	if err := s.wallet.store.SaveProofs(ctx, proofs); err != nil {
		return "", err
	}
	return model.ResolutionSuccess, nil
}

// retryMelt re-queries the melt quote. PAID means the invoice went out
// and the inputs are gone for good; UNPAID after expiry means the inputs
// come back; PENDING stays in the ledger.
func (s *Sweeper) retryMelt(ctx context.Context, ft *model.FailedTransaction) (string, error) {
	if ft.Melt == nil {
		logrus.Errorf("Sweeper: melt transaction %s has no quote details", ft.ID)
		return "", nil
	}

	quote, err := s.wallet.client.GetMeltQuote(ctx, ft.MintURL, ft.Melt.QuoteID)
	if err != nil {
		if isAmbiguous(err) {
			return "", err
		}
		// Quote unknown to the mint: the melt never started.
		if restoreErr := s.wallet.store.RestoreProofs(ctx, ft.Inputs); restoreErr != nil {
			return "", restoreErr
		}
		return model.ResolutionFailure, nil
	}

	switch quote.State {
	case QuoteStatePaid:
		return model.ResolutionSuccess, nil
	case QuoteStatePending:
		return "", nil
	default:
		if time.Now().Before(ft.Melt.Expiry) {
			// Unpaid but the quote is still live; the mint could yet
			// execute it. Wait it out.
			return "", nil
		}
		if err := s.wallet.store.RestoreProofs(ctx, ft.Inputs); err != nil {
			return "", err
		}
		return model.ResolutionFailure, nil
	}
}

// retryMint re-attempts redeeming a paid funding quote.
func (s *Sweeper) retryMint(ctx context.Context, ft *model.FailedTransaction) (string, error) {
	keyset, err := s.keysetFor(ctx, ft)
	if err != nil {
		return "", err
	}

	signatures, err := s.wallet.client.MintProofs(ctx, ft.MintURL, ft.QuoteID, ft.Outputs)
	if err != nil {
		if isAmbiguous(err) {
			return "", err
		}
		// Outputs may already be signed from the first attempt.
		return s.retrySwap(ctx, ft)
	}

	proofs, err := unblindProofs(ft.StoreID, ft.MintURL, ft.Unit, ft.Outputs, signatures, keyset)
	if err != nil {
		return "", err
	}
	if err := s.wallet.store.SaveProofs(ctx, proofs); err != nil {
		return "", err
	}
	return model.ResolutionSuccess, nil
}

// keysetFor resolves the keyset the recorded outputs were blinded under.
// A rotation between the original attempt and the retry must not change
// which mint key unblinds them.
func (s *Sweeper) keysetFor(ctx context.Context, ft *model.FailedTransaction) (*model.MintKeyset, error) {
	if len(ft.Outputs) > 0 {
		keyset, err := s.wallet.store.GetMintKeyset(ctx, ft.MintURL, ft.Outputs[0].KeysetID)
		if err == nil {
			return keyset, nil
		}
	}
	return s.wallet.Keyset(ctx, ft.MintURL, ft.Unit)
}

// matchOutputs returns the subset of outputs whose blinded messages the
// mint echoed back, in the mint's order, so signatures line up by index.
func matchOutputs(outputs []model.BlindedOutput, signed []blindedMessageJSON) []model.BlindedOutput {
	byMessage := make(map[string]model.BlindedOutput, len(outputs))
	for _, o := range outputs {
		byMessage[o.BlindedMessage] = o
	}
	matched := make([]model.BlindedOutput, 0, len(signed))
	for _, sm := range signed {
		if o, ok := byMessage[sm.B]; ok {
			matched = append(matched, o)
		}
	}
	return matched
}
