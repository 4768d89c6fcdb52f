package storage

import "github.com/cockroachdb/pebble"

// Cursor is an ordered iterator with seek-to-first-match-or-greater
// positioning. Callers must Close it when done.
type Cursor struct {
	iter *pebble.Iterator
}

// NewCursor opens a cursor over the key range with the given prefix.
// An empty prefix covers the whole keyspace.
func (s *Storage) NewCursor(prefix []byte) (*Cursor, error) {
	var opts *pebble.IterOptions
	if len(prefix) > 0 {
		opts = &pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: prefixUpperBound(prefix),
		}
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, err
	}

	return &Cursor{iter: iter}, nil
}

// Seek positions the cursor at the first key equal to or greater than
// the given key. Returns false if no such key exists.
func (c *Cursor) Seek(key []byte) bool {
	return c.iter.SeekGE(key)
}

// First positions the cursor at the first key in range.
func (c *Cursor) First() bool {
	return c.iter.First()
}

// Next advances the cursor. Returns false when exhausted.
func (c *Cursor) Next() bool {
	return c.iter.Next()
}

// Key returns the current key. Valid only until the next move.
func (c *Cursor) Key() []byte {
	return c.iter.Key()
}

// Value returns a copy of the current value.
func (c *Cursor) Value() ([]byte, error) {
	v, err := c.iter.ValueAndErr()
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(v))
	copy(out, v)

	return out, nil
}

// Close releases the cursor.
func (c *Cursor) Close() error {
	return c.iter.Close()
}
