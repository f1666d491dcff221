package dataset

import "sync/atomic"

// Cursor is a round-robin index into a shared, read-only Dataset. Each
// virtual user shares one Cursor per Runner; each shard process owns its
// own Cursor seeded at a different starting offset so that sibling
// shards don't all draw the same entries in lockstep (§4.6).
type Cursor struct {
	ds  *Dataset
	pos atomic.Uint64
}

// NewCursor returns a Cursor over ds whose first call to Next returns the
// entry at startOffset (mod len(ds.entries)).
func (ds *Dataset) NewCursor(startOffset uint64) *Cursor {
	c := &Cursor{ds: ds}
	if startOffset > 0 {
		c.pos.Store(startOffset)
	}
	return c
}

// Next advances the cursor and returns the entry it now points at, or
// nil if the dataset is empty.
func (c *Cursor) Next() *Entry {
	if len(c.ds.entries) == 0 {
		return nil
	}
	idx := c.pos.Add(1) - 1
	return &c.ds.entries[idx%uint64(len(c.ds.entries))]
}
