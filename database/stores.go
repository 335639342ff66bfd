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

	"github.com/satsback/satsback/internal/apierror"
	"github.com/satsback/satsback/model"
)

// GetStoreSettings loads the rewards configuration of a store. An unknown
// store is NotFound; webhook handlers answer 404 off the back of it.
func (d Datasource) GetStoreSettings(ctx context.Context, storeID string) (*model.StoreSettings, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT store_id, settings, created_at, updated_at
		FROM store_settings
		WHERE store_id = $1
	`, storeID)

	var settingsJSON []byte
	settings := &model.StoreSettings{}
	err := row.Scan(&settings.StoreID, &settingsJSON, &settings.CreatedAt, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Store '%s' not found", storeID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve store settings", err)
	}

	if err := json.Unmarshal(settingsJSON, settings); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal store settings", err)
	}
	return settings, nil
}

// SaveStoreSettings upserts the configuration for a store. Admin-only; the
// pipeline never writes settings.
func (d Datasource) SaveStoreSettings(ctx context.Context, settings *model.StoreSettings) error {
	settings.UpdatedAt = time.Now()
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = settings.UpdatedAt
	}

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal store settings", err)
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO store_settings (store_id, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (store_id) DO UPDATE SET settings = $2, updated_at = $4
	`, settings.StoreID, settingsJSON, settings.CreatedAt, settings.UpdatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save store settings", err)
	}
	return nil
}
