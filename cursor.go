package ironbase

import "fmt"

// Cursor is a non-live snapshot over an ordered list of document ids,
// produced by find_streaming. "Non-live" means the id list is fixed at
// creation; later mutations to the collection are not reflected.
type Cursor struct {
	collection *CollectionCore
	ids        []DocumentId
	pos        int
}

func newCursor(coll *CollectionCore, ids []DocumentId) *Cursor {
	return &Cursor{collection: coll, ids: ids}
}

// Position returns the index of the next id to be returned.
func (c *Cursor) Position() int { return c.pos }

// Remaining returns how many ids have not yet been consumed.
func (c *Cursor) Remaining() int { return len(c.ids) - c.pos }

// Next returns the next document, or (zero, false) at the end.
func (c *Cursor) Next() (Document, bool) {
	if c.pos >= len(c.ids) {
		return Document{}, false
	}

	id := c.ids[c.pos]
	c.pos++

	doc, err := c.collection.findByID(id)
	if err != nil {
		return Document{}, false
	}

	return doc, true
}

// NextChunk returns up to n documents starting at the current position.
func (c *Cursor) NextChunk(n int) []Document {
	if n <= 0 {
		return nil
	}

	out := make([]Document, 0, n)

	for i := 0; i < n; i++ {
		doc, ok := c.Next()
		if !ok {
			break
		}

		out = append(out, doc)
	}

	return out
}

// Skip advances the cursor by n without materializing documents.
func (c *Cursor) Skip(n int) {
	c.pos += n
	if c.pos > len(c.ids) {
		c.pos = len(c.ids)
	}
}

// Rewind resets the cursor to its initial position.
func (c *Cursor) Rewind() { c.pos = 0 }

// Take returns the next n documents without advancing the cursor's
// position (a peek, unlike NextChunk).
func (c *Cursor) Take(n int) []Document {
	if n <= 0 || c.pos >= len(c.ids) {
		return nil
	}

	end := c.pos + n
	if end > len(c.ids) {
		end = len(c.ids)
	}

	out := make([]Document, 0, end-c.pos)

	for i := c.pos; i < end; i++ {
		doc, err := c.collection.findByID(c.ids[i])
		if err != nil {
			continue
		}

		out = append(out, doc)
	}

	return out
}

// CollectAll materializes every remaining id and advances to the end.
func (c *Cursor) CollectAll() []Document {
	out := make([]Document, 0, c.Remaining())

	for {
		doc, ok := c.Next()
		if !ok {
			break
		}

		out = append(out, doc)
	}

	return out
}

func (c *Cursor) String() string {
	return fmt.Sprintf("Cursor(pos=%d, remaining=%d)", c.pos, c.Remaining())
}
