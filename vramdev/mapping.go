package vramdev

// Mapping is one established view onto the physical window. Each
// mapping is owned exclusively by whoever requested it; independent
// mappings of overlapping ranges share visibility through the frames
// themselves, with no coordination between writers.
type Mapping struct {
	backing Backing
	data    []byte
	offset  uint64
}

// Bytes exposes the mapped range. Writes land on the physical frames
// directly; nothing passes back through the driver.
func (m *Mapping) Bytes() []byte { return m.data }

// Offset returns the mapping's byte offset within the window.
func (m *Mapping) Offset() uint64 { return m.offset }

// Len returns the mapped length in bytes.
func (m *Mapping) Len() int { return len(m.data) }

// Unmap tears the mapping down. Safe to call more than once; only the
// first call touches the backing.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return m.backing.Unmap(data)
}
