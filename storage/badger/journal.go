// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/absmach/failover/storage"
)

var _ storage.Journal = (*Journal)(nil)

const (
	recordPrefix = "rec/"
	indexPrefix  = "idx/"
)

// Journal implements storage.Journal using BadgerDB.
//
// Key format:
//   - Record: rec/{seq, zero padded}
//   - Index:  idx/{envelopeID} -> record key
type Journal struct {
	db          *badger.DB
	compression storage.Compression

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string              // Directory for BadgerDB data
	SyncWrites  bool                // fsync every write
	Compression storage.Compression // Body compression at rest
	GCInterval  time.Duration       // Value log GC interval (0 = 5m)
}

// New opens a BadgerDB-backed journal.
func New(cfg Config) (*Journal, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger journal: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	j := &Journal{
		db:          db,
		compression: cfg.Compression,
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}
	go j.runGC(interval)

	return j, nil
}

func recordKey(seq uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", recordPrefix, seq)
}

func indexKey(id string) []byte {
	return []byte(indexPrefix + id)
}

func (j *Journal) Append(rec *storage.Record) error {
	data, err := storage.EncodeRecord(rec, j.compression)
	if err != nil {
		return err
	}

	key := recordKey(rec.Sequence)
	return j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(rec.ID), key)
	})
}

func (j *Journal) SetDeliveryCount(id string, count int) error {
	return j.db.Update(func(txn *badger.Txn) error {
		key, err := lookup(txn, id)
		if err != nil {
			return err
		}

		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := storage.DecodeRecord(val)
		if err != nil {
			return err
		}

		rec.DeliveryCount = count
		data, err := storage.EncodeRecord(rec, j.compression)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (j *Journal) Delete(ids ...string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			key, err := lookup(txn, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(indexKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (j *Journal) Load() ([]*storage.Record, error) {
	var recs []*storage.Record

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := storage.DecodeRecord(val)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return recs, err
}

// Close stops value log GC and closes the database. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.gcStopCh)
	<-j.gcDone

	return j.db.Close()
}

func (j *Journal) runGC(interval time.Duration) {
	defer close(j.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was rewritten.
			_ = j.db.RunValueLogGC(0.5)
		case <-j.gcStopCh:
			return
		}
	}
}

func lookup(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get(indexKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}
