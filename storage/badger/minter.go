// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package badger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docgraph/core"
	"github.com/poiesic/docgraph/storage"
)

// Minter implements storage.Minter over BadgerDB optimistic transactions.
//
// Correctness rests on the store-level conditional commit: the url -> id
// read and the write of both mapping directions happen in one transaction,
// and badger aborts the commit with ErrConflict if another writer touched
// the mapping in between. The process-local mutex only reduces wasted
// conflict retries between goroutines of the same process.
type Minter struct {
	backend *Backend
	mu      sync.Mutex
	logger  *slog.Logger
}

var _ storage.Minter = (*Minter)(nil)

// NewMinter creates a new Minter on the given backend.
func NewMinter(backend *Backend) *Minter {
	return &Minter{
		backend: backend,
		logger:  slog.Default().With("component", "minter"),
	}
}

// Mint returns the id bound to url, creating the binding on first call.
// Conflict retries are bounded only by ctx.
func (m *Minter) Mint(ctx context.Context, url string) (string, error) {
	if err := core.ValidateURL(url); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		id, err := m.tryMint(url)
		if errors.Is(err, badger.ErrConflict) {
			m.logger.Debug("mint raced another writer, retrying", "url", url)
			continue
		}
		return id, err
	}
}

// tryMint performs one optimistic mint attempt.
func (m *Minter) tryMint(url string) (string, error) {
	var id string
	err := m.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeURLMapKey(url))
		if err == nil {
			// Cache hit, no write performed.
			return item.Value(func(val []byte) error {
				id = string(val)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		fresh, err := core.NewId()
		if err != nil {
			return err
		}

		// Both directions are written in the same transaction so readers
		// never observe a half-written mapping.
		if err := tx.Set(makeURLMapKey(url), []byte(fresh)); err != nil {
			return err
		}
		if err := tx.Set(makeIDMapKey(fresh), []byte(url)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		id = fresh
		return nil
	}, true)

	return id, err
}

// URLToID resolves an existing url -> id mapping.
func (m *Minter) URLToID(ctx context.Context, url string) (string, error) {
	return m.lookup(makeURLMapKey(url))
}

// IDToURL resolves an existing id -> url mapping.
func (m *Minter) IDToURL(ctx context.Context, id string) (string, error) {
	return m.lookup(makeIDMapKey(id))
}

func (m *Minter) lookup(key []byte) (string, error) {
	var value string
	err := m.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	}, false)
	if err != nil {
		return "", err
	}
	return value, nil
}
