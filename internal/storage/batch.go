package storage

import "github.com/cockroachdb/pebble"

// Batch accumulates sets and deletes that are committed atomically.
// Either every operation in the batch is applied or none is.
type Batch struct {
	batch *pebble.Batch
}

// NewBatch creates an empty batch against this store.
func (s *Storage) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// Set queues a key-value write.
func (b *Batch) Set(key, value []byte) error {
	return b.batch.Set(key, value, nil)
}

// Delete queues a key deletion.
func (b *Batch) Delete(key []byte) error {
	return b.batch.Delete(key, nil)
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return int(b.batch.Count())
}

// Commit applies all queued operations atomically.
// The batch must not be reused afterwards.
func (b *Batch) Commit() error {
	defer b.batch.Close()
	return b.batch.Commit(pebble.NoSync)
}

// Discard drops all queued operations without applying them.
func (b *Batch) Discard() error {
	return b.batch.Close()
}
