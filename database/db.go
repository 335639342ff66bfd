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
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/satsback/satsback/config"
)

// Package-level singleton; one connection pool per process.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	if err := createStoreSettingsTable(db); err != nil {
		return nil, err
	}
	if err := createRewardIssueTable(db); err != nil {
		return nil, err
	}
	if err := createMintTables(db); err != nil {
		return nil, err
	}
	if err := createProofTable(db); err != nil {
		return nil, err
	}
	if err := createFailedTransactionTable(db); err != nil {
		return nil, err
	}
	return db, nil
}

func createStoreSettingsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS store_settings (
			id SERIAL PRIMARY KEY,
			store_id TEXT NOT NULL UNIQUE,
			settings JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating store_settings table: %v", err)
	}
	return err
}

// createRewardIssueTable creates the reward issue table. The unique index
// on (store_id, transaction_id) is what makes replayed webhooks idempotent
// even across process instances.
func createRewardIssueTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reward_issues (
			id SERIAL PRIMARY KEY,
			reward_id TEXT NOT NULL UNIQUE,
			store_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			order_id TEXT,
			invoice_id TEXT,
			customer_email TEXT,
			customer_phone TEXT,
			platform TEXT NOT NULL,
			amount_sats BIGINT NOT NULL,
			currency TEXT,
			order_amount NUMERIC NOT NULL DEFAULT 0,
			funding_source TEXT,
			payout_reference TEXT,
			token TEXT,
			status TEXT NOT NULL,
			error_reason TEXT,
			meta_data JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMP,
			claimed_at TIMESTAMP,
			UNIQUE (store_id, transaction_id)
		)
	`)
	if err != nil {
		log.Printf("Error creating reward_issues table: %v", err)
	}
	return err
}

func createMintTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS mints (
			id SERIAL PRIMARY KEY,
			mint_url TEXT NOT NULL UNIQUE,
			name TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating mints table: %v", err)
		return err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS mint_keysets (
			id SERIAL PRIMARY KEY,
			mint_url TEXT NOT NULL,
			keyset_id TEXT NOT NULL,
			unit TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			keys JSONB NOT NULL,
			input_fee_ppk BIGINT NOT NULL DEFAULT 0,
			fetched_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (mint_url, keyset_id)
		)
	`)
	if err != nil {
		log.Printf("Error creating mint_keysets table: %v", err)
	}
	return err
}

func createProofTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS proofs (
			id SERIAL PRIMARY KEY,
			store_id TEXT NOT NULL,
			mint_url TEXT NOT NULL,
			unit TEXT NOT NULL,
			keyset_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			secret TEXT NOT NULL UNIQUE,
			c TEXT NOT NULL,
			spent BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating proofs table: %v", err)
	}
	return err
}

func createFailedTransactionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS failed_transactions (
			id SERIAL PRIMARY KEY,
			failed_id TEXT NOT NULL UNIQUE,
			store_id TEXT NOT NULL,
			mint_url TEXT NOT NULL,
			unit TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			inputs JSONB NOT NULL,
			outputs JSONB NOT NULL,
			melt JSONB,
			quote_id TEXT,
			error_reason TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			last_retried TIMESTAMP,
			resolution TEXT NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating failed_transactions table: %v", err)
	}
	return err
}
