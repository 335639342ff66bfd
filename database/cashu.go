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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/satsback/satsback/internal/apierror"
	"github.com/satsback/satsback/model"
)

// ErrInsufficientBalance is returned by SpendProofs when the wallet cannot
// cover the requested amount. It is a user-caused failure; callers surface
// it instead of routing it through the retry ledger.
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// SaveProofs inserts newly credited proofs in one statement. The secret
// unique constraint guards against crediting the same proof twice.
func (d Datasource) SaveProofs(ctx context.Context, proofs []model.Proof) error {
	if len(proofs) == 0 {
		return nil
	}

	txn, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin proof credit", err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	stmt, err := txn.PrepareContext(ctx, `
		INSERT INTO proofs (store_id, mint_url, unit, keyset_id, amount, secret, c, spent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,$8)
		ON CONFLICT (secret) DO NOTHING
	`)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to prepare proof insert", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, p := range proofs {
		if _, err := stmt.ExecContext(ctx, p.StoreID, p.MintURL, p.Unit, p.KeysetID, p.Amount, p.Secret, p.C, now); err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to insert proof", err)
		}
	}

	if err := txn.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit proof credit", err)
	}
	return nil
}

// SpendProofs selects unspent proofs covering amount and marks them spent
// in the same database transaction. Row locks (FOR UPDATE) make the
// selection safe against a concurrent spend drawing from the same wallet:
// either all selected proofs flip to spent together or none do.
func (d Datasource) SpendProofs(ctx context.Context, storeID, mintURL, unit string, amount int64) ([]model.Proof, error) {
	txn, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin proof spend", err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	rows, err := txn.QueryContext(ctx, `
		SELECT id, store_id, mint_url, unit, keyset_id, amount, secret, c
		FROM proofs
		WHERE store_id = $1 AND mint_url = $2 AND unit = $3 AND spent = FALSE
		ORDER BY amount DESC, id ASC
		FOR UPDATE
	`, storeID, mintURL, unit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to select proofs", err)
	}

	var selected []model.Proof
	var total int64
	for rows.Next() {
		if total >= amount {
			break
		}
		var p model.Proof
		if err := rows.Scan(&p.ID, &p.StoreID, &p.MintURL, &p.Unit, &p.KeysetID, &p.Amount, &p.Secret, &p.C); err != nil {
			rows.Close()
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan proof", err)
		}
		selected = append(selected, p)
		total += p.Amount
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating proofs", err)
	}

	if total < amount {
		return nil, ErrInsufficientBalance
	}

	ids := make([]int64, len(selected))
	for i, p := range selected {
		ids[i] = p.ID
	}
	if _, err := txn.ExecContext(ctx, `UPDATE proofs SET spent = TRUE WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark proofs spent", err)
	}

	if err := txn.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit proof spend", err)
	}

	for i := range selected {
		selected[i].Spent = true
	}
	return selected, nil
}

// RestoreProofs flips previously spent proofs back to unspent. Used when
// the mint confirms an ambiguous operation never went through.
func (d Datasource) RestoreProofs(ctx context.Context, proofs []model.Proof) error {
	if len(proofs) == 0 {
		return nil
	}
	secrets := make([]string, len(proofs))
	for i, p := range proofs {
		secrets[i] = p.Secret
	}
	_, err := d.Conn.ExecContext(ctx, `UPDATE proofs SET spent = FALSE WHERE secret = ANY($1)`, pq.Array(secrets))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to restore proofs", err)
	}
	return nil
}

func (d Datasource) WalletBalance(ctx context.Context, storeID, mintURL, unit string) (int64, error) {
	var balance sql.NullInt64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM proofs
		WHERE store_id = $1 AND mint_url = $2 AND unit = $3 AND spent = FALSE
	`, storeID, mintURL, unit).Scan(&balance)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to compute wallet balance", err)
	}
	return balance.Int64, nil
}

func (d Datasource) GetMint(ctx context.Context, mintURL string) (*model.Mint, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT mint_url, name, active, created_at, updated_at FROM mints WHERE mint_url = $1
	`, mintURL)

	mint := &model.Mint{}
	var name sql.NullString
	err := row.Scan(&mint.MintURL, &name, &mint.Active, &mint.CreatedAt, &mint.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Mint '%s' not known", mintURL), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve mint", err)
	}
	mint.Name = name.String
	return mint, nil
}

func (d Datasource) SaveMint(ctx context.Context, mint *model.Mint) error {
	now := time.Now()
	if mint.CreatedAt.IsZero() {
		mint.CreatedAt = now
	}
	mint.UpdatedAt = now
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO mints (mint_url, name, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (mint_url) DO UPDATE SET name = $2, active = $3, updated_at = $5
	`, mint.MintURL, mint.Name, mint.Active, mint.CreatedAt, mint.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save mint", err)
	}
	return nil
}

func (d Datasource) GetMintKeyset(ctx context.Context, mintURL, keysetID string) (*model.MintKeyset, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT mint_url, keyset_id, unit, active, keys, input_fee_ppk, fetched_at
		FROM mint_keysets
		WHERE mint_url = $1 AND keyset_id = $2
	`, mintURL, keysetID)
	return scanMintKeyset(row)
}

// GetActiveMintKeyset returns the newest active keyset for a mint and
// unit. Inactive keysets are never handed out for new operations.
func (d Datasource) GetActiveMintKeyset(ctx context.Context, mintURL, unit string) (*model.MintKeyset, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT mint_url, keyset_id, unit, active, keys, input_fee_ppk, fetched_at
		FROM mint_keysets
		WHERE mint_url = $1 AND unit = $2 AND active = TRUE
		ORDER BY fetched_at DESC
		LIMIT 1
	`, mintURL, unit)
	return scanMintKeyset(row)
}

func scanMintKeyset(row *sql.Row) (*model.MintKeyset, error) {
	keyset := &model.MintKeyset{}
	var keysJSON []byte
	err := row.Scan(&keyset.MintURL, &keyset.KeysetID, &keyset.Unit, &keyset.Active, &keysJSON, &keyset.InputFee, &keyset.FetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Keyset not cached", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve keyset", err)
	}
	if err := json.Unmarshal(keysJSON, &keyset.Keys); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal keyset keys", err)
	}
	return keyset, nil
}

func (d Datasource) SaveMintKeyset(ctx context.Context, keyset *model.MintKeyset) error {
	keysJSON, err := json.Marshal(keyset.Keys)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal keyset keys", err)
	}
	if keyset.FetchedAt.IsZero() {
		keyset.FetchedAt = time.Now()
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO mint_keysets (mint_url, keyset_id, unit, active, keys, input_fee_ppk, fetched_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (mint_url, keyset_id) DO UPDATE SET active = $4, keys = $5, input_fee_ppk = $6, fetched_at = $7
	`, keyset.MintURL, keyset.KeysetID, keyset.Unit, keyset.Active, keysJSON, keyset.InputFee, keyset.FetchedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save keyset", err)
	}
	return nil
}

// RecordFailedTransaction persists a mint operation whose outcome is
// unknown. This write must succeed before the wallet reports the failure
// upward; losing it would strand the debited proofs.
func (d Datasource) RecordFailedTransaction(ctx context.Context, ft *model.FailedTransaction) error {
	inputsJSON, err := json.Marshal(ft.Inputs)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal inputs", err)
	}
	outputsJSON, err := json.Marshal(ft.Outputs)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal outputs", err)
	}
	var meltJSON []byte
	if ft.Melt != nil {
		meltJSON, err = json.Marshal(ft.Melt)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal melt details", err)
		}
	}
	if ft.CreatedAt.IsZero() {
		ft.CreatedAt = time.Now()
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO failed_transactions (failed_id, store_id, mint_url, unit, operation_type, inputs, outputs, melt, quote_id, error_reason, retry_count, last_retried, resolution, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, ft.ID, ft.StoreID, ft.MintURL, ft.Unit, ft.OperationType, inputsJSON, outputsJSON, meltJSON, ft.QuoteID, ft.ErrorReason, ft.RetryCount, ft.LastRetried, model.ResolutionPending, ft.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record failed transaction", err)
	}
	return nil
}

// GetUnresolvedFailedTransactions feeds the retry sweep. It reads
// persisted state only, so an interrupted sweep resumes cleanly.
func (d Datasource) GetUnresolvedFailedTransactions(ctx context.Context, limit int) ([]model.FailedTransaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT failed_id, store_id, mint_url, unit, operation_type, inputs, outputs, melt, quote_id, error_reason, retry_count, last_retried, resolution, created_at
		FROM failed_transactions
		WHERE resolution = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, model.ResolutionPending, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve failed transactions", err)
	}
	defer rows.Close()

	fts := []model.FailedTransaction{}
	for rows.Next() {
		var ft model.FailedTransaction
		var inputsJSON, outputsJSON, meltJSON []byte
		var quoteID, errorReason sql.NullString
		var lastRetried sql.NullTime

		err := rows.Scan(&ft.ID, &ft.StoreID, &ft.MintURL, &ft.Unit, &ft.OperationType, &inputsJSON, &outputsJSON, &meltJSON, &quoteID, &errorReason, &ft.RetryCount, &lastRetried, &ft.Resolution, &ft.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan failed transaction", err)
		}
		if err := json.Unmarshal(inputsJSON, &ft.Inputs); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal inputs", err)
		}
		if err := json.Unmarshal(outputsJSON, &ft.Outputs); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal outputs", err)
		}
		if len(meltJSON) > 0 {
			ft.Melt = &model.MeltDetails{}
			if err := json.Unmarshal(meltJSON, ft.Melt); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal melt details", err)
			}
		}
		ft.QuoteID = quoteID.String
		ft.ErrorReason = errorReason.String
		if lastRetried.Valid {
			ft.LastRetried = &lastRetried.Time
		}
		fts = append(fts, ft)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating failed transactions", err)
	}
	return fts, nil
}

// MarkFailedTransactionResolved closes a failed transaction with its
// terminal outcome. Only called once the mint has confirmed either the
// credit or the restore.
func (d Datasource) MarkFailedTransactionResolved(ctx context.Context, id, resolution string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE failed_transactions SET resolution = $1 WHERE failed_id = $2
	`, resolution, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve failed transaction", err)
	}
	return nil
}

// TouchFailedTransactionRetry bumps the retry bookkeeping after a sweep
// attempt that did not resolve the record.
func (d Datasource) TouchFailedTransactionRetry(ctx context.Context, id string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE failed_transactions SET retry_count = retry_count + 1, last_retried = NOW() WHERE failed_id = $1
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update retry bookkeeping", err)
	}
	return nil
}
