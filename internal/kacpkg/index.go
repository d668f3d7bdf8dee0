package kacpkg

// IndexBuilder accumulates payload placements, then serializes them into
// the \0INDEX segment payload. Mirrors packerManager tracking blob offsets
// as it streams a pack file, except here the packer adds every placement
// before it writes any payload, rather than looking them up afterwards.
type IndexBuilder struct {
	entries []IndexEntry
	cursor  uint32
}

// NewIndexBuilder returns an empty builder whose offsets are recorded
// relative to payload_start, starting at base — the size of the segment
// region already written before the payload region begins. Index offsets
// are relative to payload_start, and the segment region occupies the front
// of that span, so payload placements start counting from base rather than
// zero.
func NewIndexBuilder(base uint32) *IndexBuilder {
	return &IndexBuilder{cursor: base}
}

// Add records a new payload of size bytes at the builder's current cursor,
// returning the offset (relative to payload_start) it was placed at, then
// advances the cursor past it.
func (b *IndexBuilder) Add(name string, size uint32) uint32 {
	offset := b.cursor
	b.entries = append(b.entries, IndexEntry{Name: name, Size: size, Offset: offset})
	b.cursor += size
	return offset
}

// Entries returns the accumulated index entries.
func (b *IndexBuilder) Entries() []IndexEntry {
	return b.entries
}

// Cursor returns the offset (relative to payload_start) just past the last
// placed payload: base plus the payload bytes placed so far.
func (b *IndexBuilder) Cursor() uint32 {
	return b.cursor
}

// Build serializes the accumulated entries into a \0INDEX segment payload.
func (b *IndexBuilder) Build() ([]byte, error) {
	return EncodeIndex(b.entries)
}
