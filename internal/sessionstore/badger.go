// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/durzo/tracearr/internal/models"
)

// Key prefixes for BadgerDB storage.
const (
	badgerPendingPrefix    = "pending:"
	badgerProjectionPrefix = "projection:"
	badgerUserIndexPrefix  = "user_sessions:"
	badgerCooldownPrefix   = "cooldown:"
)

// BadgerStore is the embedded single-instance Store backend. State survives
// restarts; the session lock is process-local, so this backend must not be
// shared by multiple cooperating instances.
type BadgerStore struct {
	db *badger.DB

	lockMu sync.Mutex
	locks  map[string]time.Time
}

// NewBadgerStore opens a Badger-backed store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{
		db:    db,
		locks: make(map[string]time.Time),
	}, nil
}

// GetPending implements Store.
func (b *BadgerStore) GetPending(_ context.Context, serverID, sessionKey string) (*models.PendingSession, error) {
	var p models.PendingSession
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPendingPrefix + pendingKey(serverID, sessionKey)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get pending: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPending implements Store.
func (b *BadgerStore) SetPending(_ context.Context, p *models.PendingSession) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPendingPrefix+pendingKey(p.ServerID, p.SessionKey)), data)
	})
}

// DeletePending implements Store.
func (b *BadgerStore) DeletePending(_ context.Context, serverID, sessionKey string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerPendingPrefix + pendingKey(serverID, sessionKey)))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete pending: %w", err)
		}
		return nil
	})
}

// ListPending implements Store.
func (b *BadgerStore) ListPending(_ context.Context) ([]*models.PendingSession, error) {
	var out []*models.PendingSession
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerPendingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p models.PendingSession
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			})
			if err != nil {
				return fmt.Errorf("decode pending %s: %w", it.Item().Key(), err)
			}
			out = append(out, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetProjection implements Store.
func (b *BadgerStore) GetProjection(_ context.Context, id uuid.UUID) (*models.SessionProjection, error) {
	var p models.SessionProjection
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerProjectionPrefix + id.String()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get projection: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProjection implements Store.
func (b *BadgerStore) SetProjection(_ context.Context, p *models.SessionProjection) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal projection: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerProjectionPrefix+p.ID.String()), data)
	})
}

// DeleteProjection implements Store.
func (b *BadgerStore) DeleteProjection(_ context.Context, id uuid.UUID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerProjectionPrefix + id.String()))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete projection: %w", err)
		}
		return nil
	})
}

// ListProjections implements Store.
func (b *BadgerStore) ListProjections(_ context.Context) ([]*models.SessionProjection, error) {
	var out []*models.SessionProjection
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerProjectionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p models.SessionProjection
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			})
			if err != nil {
				return fmt.Errorf("decode projection %s: %w", it.Item().Key(), err)
			}
			out = append(out, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddUserSession implements Store. The index entry is its own key so
// concurrent additions for one user never conflict.
func (b *BadgerStore) AddUserSession(_ context.Context, userID int64, id uuid.UUID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerUserKey(userID, id)), nil)
	})
}

// RemoveUserSession implements Store.
func (b *BadgerStore) RemoveUserSession(_ context.Context, userID int64, id uuid.UUID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(badgerUserKey(userID, id)))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("remove user session: %w", err)
		}
		return nil
	})
}

// UserSessions implements Store.
func (b *BadgerStore) UserSessions(_ context.Context, userID int64) ([]uuid.UUID, error) {
	var out []uuid.UUID
	prefix := []byte(fmt.Sprintf("%s%d:", badgerUserIndexPrefix, userID))
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw := it.Item().Key()[len(prefix):]
			id, err := uuid.ParseBytes(raw)
			if err != nil {
				continue
			}
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetTerminationCooldown implements Store using Badger's native entry TTL.
func (b *BadgerStore) SetTerminationCooldown(_ context.Context, serverID, sessionKey, mediaID string, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(badgerCooldownPrefix+cooldownKey(serverID, sessionKey, mediaID)), nil).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// InTerminationCooldown implements Store.
func (b *BadgerStore) InTerminationCooldown(_ context.Context, serverID, sessionKey, mediaID string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(badgerCooldownPrefix + cooldownKey(serverID, sessionKey, mediaID)))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check cooldown: %w", err)
	}
	return true, nil
}

// Lock implements Store with a process-local lock table. Sufficient for the
// single-instance deployments this backend targets.
func (b *BadgerStore) Lock(_ context.Context, serverID, sessionKey string, ttl time.Duration) (Unlocker, error) {
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	key := pendingKey(serverID, sessionKey)
	if expiry, held := b.locks[key]; held && time.Now().Before(expiry) {
		return nil, ErrLockHeld
	}
	b.locks[key] = time.Now().Add(ttl)
	return &badgerUnlocker{store: b, key: key}, nil
}

// Close implements Store.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func badgerUserKey(userID int64, id uuid.UUID) string {
	return fmt.Sprintf("%s%d:%s", badgerUserIndexPrefix, userID, id.String())
}

type badgerUnlocker struct {
	store *BadgerStore
	key   string
}

func (u *badgerUnlocker) Unlock(_ context.Context) error {
	u.store.lockMu.Lock()
	defer u.store.lockMu.Unlock()
	delete(u.store.locks, u.key)
	return nil
}

var _ Store = (*BadgerStore)(nil)
