// This file is part of carrier, a peer-to-peer overlay network in Golang.
// Copyright (C) 2026 The Carrier Authors.
//
// carrier is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// carrier is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

// Package ringkv provides the key/value abstraction backing the ring
// (§4.3): a best-effort, eventually-consistent directory shared by all
// bearers, keyed by PeerID hex string, so a bearer that does not hold a
// peer locally can still discover which other bearer does.
package ringkv

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	redis "github.com/go-redis/redis/v8"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Errors returned by Open and the backends it constructs.
var (
	ErrInvalidSpec  = fmt.Errorf("ringkv: invalid store specification")
	ErrNotAvailable = fmt.Errorf("ringkv: store not available")
)

// Store is the minimal key/value surface the ring needs. A ring record
// is always written or read as its full set of related keys in one call
// (§6.2: "writes are issued as a single pipelined batch; reads are
// issued as a single pipelined batch"), never as independent
// single-key round trips.
type Store interface {
	// PutBatch writes every key/value pair in kvs as a single pipelined
	// batch.
	PutBatch(kvs map[string]string) error

	// GetBatch reads all of keys as a single pipelined batch. It is an
	// error for any of keys to be missing.
	GetBatch(keys []string) (map[string]string, error)
}

// Open opens a Store for the given backend specification. spec segments
// are separated by '+'; the first segment names the backend:
//
//   - "redis":   "redis+addr+[passwd]+db", db must be an integer.
//   - "mysql":   "mysql+<dsn>", dsn per the mysql driver's DSN format.
//   - "sqlite3": "sqlite3+<path>", path to a database file that must
//     already hold a "ring" table; Open does not create it.
func Open(spec string) (Store, error) {
	parts := strings.Split(spec, "+")
	if len(parts) < 2 {
		return nil, ErrInvalidSpec
	}
	switch parts[0] {
	case "redis":
		if len(parts) < 4 {
			return nil, ErrInvalidSpec
		}
		db, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, ErrInvalidSpec
		}
		client := redis.NewClient(&redis.Options{
			Addr:     parts[1],
			Password: parts[2],
			DB:       db,
		})
		if client == nil {
			return nil, ErrNotAvailable
		}
		return &redisStore{client: client}, nil

	case "sqlite3", "mysql":
		db, err := connectSQL(parts[0], strings.Join(parts[1:], "+"))
		if err != nil {
			return nil, err
		}
		row := db.QueryRow("select count(*) from ring")
		var n int
		if row.Scan(&n) != nil {
			return nil, ErrNotAvailable
		}
		return &sqlStore{db: db}, nil
	}
	return nil, ErrInvalidSpec
}

func connectSQL(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// redisStore is a Store backed by a Redis server (§4.3 cross-bearer
// directory, same use the teacher makes of Redis for its DHT layer),
// using a single `Pipeline` round trip per PutBatch/GetBatch call.
type redisStore struct {
	client *redis.Client
}

func (s *redisStore) PutBatch(kvs map[string]string) error {
	ctx := context.TODO()
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range kvs {
			pipe.Set(ctx, key, value, 0)
		}
		return nil
	})
	return err
}

func (s *redisStore) GetBatch(keys []string) (map[string]string, error) {
	ctx := context.TODO()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	// Pipelined's own error reflects the first failing command; the
	// per-key errors below (e.g. redis.Nil for a missing key) are what we
	// actually report, so a non-nil err here is not fatal by itself.
	_, _ = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			cmds[key] = pipe.Get(ctx, key)
		}
		return nil
	})
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := cmds[key].Result()
		if err != nil {
			return nil, fmt.Errorf("ringkv: reading %q: %w", key, err)
		}
		result[key] = value
	}
	return result, nil
}

// sqlStore is a Store backed by a SQL table named "ring" with columns
// (key text primary key, value text). PutBatch runs inside a single
// transaction; GetBatch runs a single `WHERE key IN (...)` query, the SQL
// equivalent of a pipelined multi-key round trip.
type sqlStore struct {
	db *sql.DB
}

func (s *sqlStore) PutBatch(kvs map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for key, value := range kvs {
		if _, err := tx.Exec("replace into ring(key, value) values(?, ?)", key, value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) GetBatch(keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	rows, err := s.db.Query(fmt.Sprintf("select key, value from ring where key in (%s)", placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, key := range keys {
		if _, ok := result[key]; !ok {
			return nil, fmt.Errorf("ringkv: missing key %q", key)
		}
	}
	return result, nil
}
