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

package database

import (
	"context"

	"github.com/satsback/satsback/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	rewardIssue
	storeSettings
	wallet
}

// rewardIssue defines methods for the reward record store.
type rewardIssue interface {
	CreateRewardIssue(ctx context.Context, issue *model.RewardIssue) (*model.RewardIssue, error)          // Fails with Conflict when the reward id or (store, transaction) pair exists
	GetRewardIssue(ctx context.Context, rewardID string) (*model.RewardIssue, error)                      // Retrieves an issue by id
	GetRewardIssueByTransaction(ctx context.Context, storeID, transactionID string) (*model.RewardIssue, error) // Idempotency lookup
	UpdateRewardIssue(ctx context.Context, issue *model.RewardIssue) error                                // No-op when the id does not exist
	GetRewardIssuesByStore(ctx context.Context, storeID string, limit, offset int) ([]model.RewardIssue, error)
	GetRewardIssuesByCustomer(ctx context.Context, storeID, customerEmail string, limit, offset int) ([]model.RewardIssue, error)
	GetStaleSentRewardIssues(ctx context.Context, olderThanHours int, limit int) ([]model.RewardIssue, error)
	GetStuckPendingRewardIssues(ctx context.Context, olderThanMinutes int, limit int) ([]model.RewardIssue, error)
}

// storeSettings defines per-store configuration access.
type storeSettings interface {
	GetStoreSettings(ctx context.Context, storeID string) (*model.StoreSettings, error)
	SaveStoreSettings(ctx context.Context, settings *model.StoreSettings) error
}

// wallet defines the persistence operations owned by the cashu wallet ledger.
type wallet interface {
	SaveProofs(ctx context.Context, proofs []model.Proof) error
	SpendProofs(ctx context.Context, storeID, mintURL, unit string, amount int64) ([]model.Proof, error) // Atomic select-and-mark-spent
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
