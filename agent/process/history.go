package process

import (
	"context"
	"sync"
	"time"
)

// history keeps the most recent output chunks of an execution, up to limit bytes.
// Chunks keep their absolute index when older ones are dropped.
type history struct {
	mut    sync.Mutex
	limit  int
	chunks []Chunk
	size   int
	next   int
	closed bool
	// changed is closed and replaced whenever a chunk is added or the history is closed.
	changed chan struct{}
}

func newHistory(limit int) *history {
	return &history{limit: limit, changed: make(chan struct{})}
}

func (h *history) append(stream OutputStream, b []byte, now time.Time) {
	data := make([]byte, len(b))
	copy(data, b)

	h.mut.Lock()
	defer h.mut.Unlock()
	if h.closed {
		return
	}
	h.chunks = append(h.chunks, Chunk{Index: h.next, Stream: stream, Data: data, Time: now})
	h.next++
	h.size += len(data)
	for h.limit > 0 && h.size > h.limit && len(h.chunks) > 1 {
		h.size -= len(h.chunks[0].Data)
		h.chunks[0] = Chunk{}
		h.chunks = h.chunks[1:]
	}
	h.notify()
}

func (h *history) close() {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.notify()
}

func (h *history) notify() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// since returns up to max chunks with Index >= start, the index to ask for next, and whether the history is closed.
// max <= 0 means no limit.
func (h *history) since(start, max int) ([]Chunk, int, bool) {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.sinceLocked(start, max)
}

func (h *history) sinceLocked(start, max int) ([]Chunk, int, bool) {
	first := h.next - len(h.chunks)
	if start < first {
		start = first
	}
	if start >= h.next {
		return nil, h.next, h.closed
	}
	out := h.chunks[start-first:]
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	res := make([]Chunk, len(out))
	copy(res, out)
	return res, start + len(res), h.closed && start+len(res) == h.next
}

// follow calls fn for every chunk from start on, including ones added later, until the history is closed or ctx ends.
func (h *history) follow(ctx context.Context, start int, fn func(Chunk) error) error {
	next := start
	for {
		h.mut.Lock()
		chunks, n, closed := h.sinceLocked(next, 0)
		changed := h.changed
		h.mut.Unlock()

		for _, c := range chunks {
			if err := fn(c); err != nil {
				return err
			}
		}
		next = n
		if closed {
			return nil
		}
		if len(chunks) > 0 {
			continue
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
