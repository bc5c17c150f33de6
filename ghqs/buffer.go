package ghqs

// chainBuffer is a FIFO byte queue held as a chain of chunks,
// with O(1) append and cheap length accounting.
// Ingress and egress halves of every stream each own one.
type chainBuffer struct {
	chunks [][]byte
	length int
}

// Len returns the total queued byte count.
func (b *chainBuffer) Len() int {
	return b.length
}

// Empty reports whether no bytes are queued.
func (b *chainBuffer) Empty() bool {
	return b.length == 0
}

// Append queues p at the tail. The buffer takes ownership of p.
func (b *chainBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append(b.chunks, p)
	b.length += len(p)
}

// InsertHead requeues p at the head,
// for bytes a writer could not fully hand off.
func (b *chainBuffer) InsertHead(p []byte) {
	if len(p) == 0 {
		return
	}
	b.chunks = append([][]byte{p}, b.chunks...)
	b.length += len(p)
}

// Coalesce returns the entire queued content as one contiguous slice
// without consuming it. When the chain already holds a single chunk,
// no copy is made.
func (b *chainBuffer) Coalesce() []byte {
	if len(b.chunks) == 0 {
		return nil
	}
	if len(b.chunks) == 1 {
		return b.chunks[0]
	}
	merged := make([]byte, 0, b.length)
	for _, c := range b.chunks {
		merged = append(merged, c...)
	}
	b.chunks = [][]byte{merged}
	return merged
}

// Pull consumes and returns up to max bytes from the head
// as one contiguous slice.
func (b *chainBuffer) Pull(max int) []byte {
	if max <= 0 || b.length == 0 {
		return nil
	}
	if max > b.length {
		max = b.length
	}

	// Common case: the head chunk covers the request.
	if len(b.chunks[0]) >= max {
		out := b.chunks[0][:max]
		b.TrimStart(max)
		return out
	}

	out := make([]byte, 0, max)
	for len(out) < max {
		c := b.chunks[0]
		take := max - len(out)
		if take > len(c) {
			take = len(c)
		}
		out = append(out, c[:take]...)
		b.TrimStart(take)
	}
	return out
}

// TrimStart discards n bytes from the head.
func (b *chainBuffer) TrimStart(n int) {
	if n > b.length {
		n = b.length
	}
	b.length -= n
	for n > 0 {
		c := b.chunks[0]
		if len(c) > n {
			b.chunks[0] = c[n:]
			return
		}
		n -= len(c)
		b.chunks = b.chunks[1:]
	}
	if len(b.chunks) == 0 {
		b.chunks = nil
	}
}

// Clear drops all queued bytes.
func (b *chainBuffer) Clear() {
	b.chunks = nil
	b.length = 0
}
