package pak

import "sort"

// Catalog owns every Record, keyed by package name, and every Chunk, keyed
// by chunk id. Chunks refer to records by name only.
type Catalog struct {
	records map[string]*Record
	chunks  map[int32]*Chunk
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		records: make(map[string]*Record),
		chunks:  make(map[int32]*Chunk),
	}
}

// Record returns the record named name, or nil.
func (c *Catalog) Record(name string) *Record {
	return c.records[name]
}

// Put stores rec under its entry name, replacing any previous record.
func (c *Catalog) Put(rec *Record) {
	c.records[rec.Entry.Name] = rec
}

// Delete removes the record named name.
func (c *Catalog) Delete(name string) {
	delete(c.records, name)
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	return len(c.records)
}

// Records returns every record ordered by name.
func (c *Catalog) Records() []*Record {
	out := make([]*Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.Name < out[j].Entry.Name })
	return out
}

// Chunk returns the chunk with the given id, or nil.
func (c *Catalog) Chunk(id int32) *Chunk {
	return c.chunks[id]
}

// PutChunk stores ch under its id.
func (c *Catalog) PutChunk(ch *Chunk) {
	c.chunks[ch.ID] = ch
}

// ChunkIDs returns every registered chunk id in ascending order.
func (c *Catalog) ChunkIDs() []int32 {
	ids := make([]int32, 0, len(c.chunks))
	for id := range c.chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Chunks returns every chunk in ascending id order.
func (c *Catalog) Chunks() []*Chunk {
	ids := c.ChunkIDs()
	out := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.chunks[id])
	}
	return out
}

// Replace swaps in a new record and chunk set.
func (c *Catalog) Replace(records map[string]*Record, chunks map[int32]*Chunk) {
	c.records = records
	c.chunks = chunks
}

// Snapshot returns shallow copies of the record and chunk maps.
func (c *Catalog) Snapshot() (map[string]*Record, map[int32]*Chunk) {
	records := make(map[string]*Record, len(c.records))
	for k, v := range c.records {
		records[k] = v
	}
	chunks := make(map[int32]*Chunk, len(c.chunks))
	for k, v := range c.chunks {
		chunks[k] = v
	}
	return records, chunks
}

// Members resolves a chunk's member names to records, in chunk order.
// Names without a record are skipped.
func (c *Catalog) Members(ch *Chunk) []*Record {
	if ch == nil {
		return nil
	}
	out := make([]*Record, 0, len(ch.Members))
	for _, name := range ch.Members {
		if rec := c.records[name]; rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// IsCached reports whether every member of ch is cached.
func (c *Catalog) IsCached(ch *Chunk) bool {
	for _, rec := range c.Members(ch) {
		if !rec.Cached {
			return false
		}
	}
	return true
}

// ChunkOf returns the id of the chunk listing name.
func (c *Catalog) ChunkOf(name string) (int32, bool) {
	for id, ch := range c.chunks {
		for _, member := range ch.Members {
			if member == name {
				return id, true
			}
		}
	}
	return 0, false
}

// Status computes the availability of chunk id.
func (c *Catalog) Status(id int32) Status {
	ch := c.chunks[id]
	if ch == nil {
		return StatusUnknown
	}
	members := c.Members(ch)
	if len(members) == 0 {
		return StatusUnknown
	}
	if ch.Mounted {
		return StatusMounted
	}

	total, cached, downloading := len(members), 0, 0
	for _, rec := range members {
		switch {
		case rec.Cached:
			cached++
		case rec.Downloading():
			downloading++
		}
	}

	switch {
	case cached >= total:
		return StatusCached
	case cached+downloading >= total:
		return StatusDownloading
	case cached+downloading > 0:
		return StatusPartial
	default:
		return StatusRemote
	}
}
