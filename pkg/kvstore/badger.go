package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout, grounded on goclaw's pkg/storage/badger.BadgerStorage
// (fmt.Sprintf-built prefixed keys, one badger.Txn per logical operation):
//
//	s:<key>              -> string value
//	h:<key>:<field>      -> hash field value
//	z:<key>:<member>     -> set member, value is the expiry unix-nano (0 = none)
const (
	badgerStringPrefix = "s:"
	badgerHashPrefix   = "h:"
	badgerSetPrefix    = "z:"
)

func badgerStringKey(key string) []byte { return []byte(badgerStringPrefix + key) }

func badgerHashKey(key, field string) []byte {
	return []byte(badgerHashPrefix + key + ":" + field)
}

func badgerHashPrefixBytes(key string) []byte {
	return []byte(badgerHashPrefix + key + ":")
}

func badgerSetKey(key, member string) []byte {
	return []byte(badgerSetPrefix + key + ":" + member)
}

func badgerSetPrefixBytes(key string) []byte {
	return []byte(badgerSetPrefix + key + ":")
}

// BadgerStore is an embedded, durable Store backend for single-process or
// local-dev clusters that still want crash-safe partition state without a
// standalone Redis deployment. Grounded on goclaw's
// pkg/storage/badger.BadgerStorage.
type BadgerStore struct {
	db *badger.DB
}

// BadgerConfig mirrors goclaw's pkg/storage/badger.Config field set.
type BadgerConfig struct {
	Path             string
	SyncWrites       bool
	ValueLogFileSize int64
}

// NewBadgerStore opens (or creates) a Badger database at cfg.Path.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying Badger database handle.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var value string
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerStringKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func (b *BadgerStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerStringKey(key), []byte(value))
	})
}

func (b *BadgerStore) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := deleteIfExists(txn, badgerStringKey(key)); err != nil {
				return err
			}
			if err := deletePrefix(txn, badgerHashPrefixBytes(key)); err != nil {
				return err
			}
			if err := deletePrefix(txn, badgerSetPrefixBytes(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var value string
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerHashKey(key, field))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return value, found, nil
}

func (b *BadgerStore) HSet(ctx context.Context, key, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerHashKey(key, field), []byte(value))
	})
}

func (b *BadgerStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	prefix := badgerHashPrefixBytes(key)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			field := strings.TrimPrefix(string(item.Key()), string(prefix))
			if err := item.Value(func(val []byte) error {
				out[field] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, field := range fields {
			if err := deleteIfExists(txn, badgerHashKey(key, field)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var expiry int64
	if ttl > 0 {
		expiry = time.Now().Add(ttl).UnixNano()
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, member := range members {
			val := make([]byte, 8)
			binary.LittleEndian.PutUint64(val, uint64(expiry))
			if err := txn.Set(badgerSetKey(key, member), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	prefix := badgerSetPrefixBytes(key)
	now := time.Now().UnixNano()
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			member := strings.TrimPrefix(string(item.Key()), string(prefix))
			var expired bool
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					expiry := int64(binary.LittleEndian.Uint64(val))
					expired = expiry != 0 && now > expiry
				}
				return nil
			}); err != nil {
				return err
			}
			if !expired {
				out = append(out, member)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) SRem(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, member := range members {
			if err := deleteIfExists(txn, badgerSetKey(key, member)); err != nil {
				return err
			}
		}
		return nil
	})
}

// CAS uses a Badger read-modify-write transaction. If another writer
// touched the same key concurrently, Badger's SSI conflict detection fails
// the commit with badger.ErrConflict, which CAS returns as an error without
// retrying; the swap itself is all-or-nothing, as with the Redis Lua script.
func (b *BadgerStore) CAS(ctx context.Context, key string, expected string, expectedOK bool, newValue string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var swapped bool
	err := b.db.Update(func(txn *badger.Txn) error {
		swapped = false
		item, err := txn.Get(badgerStringKey(key))
		exists := true
		if errors.Is(err, badger.ErrKeyNotFound) {
			exists = false
		} else if err != nil {
			return err
		}

		if expectedOK {
			if !exists {
				return nil
			}
			var current string
			if err := item.Value(func(val []byte) error {
				current = string(val)
				return nil
			}); err != nil {
				return err
			}
			if current != expected {
				return nil
			}
		} else if exists {
			return nil
		}

		if err := txn.Set(badgerStringKey(key), []byte(newValue)); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func deleteIfExists(txn *badger.Txn, key []byte) error {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return txn.Delete(key)
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().KeyCopy(nil)
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
