package wasmhost

import "fmt"

// BufH is a numeric handle into a BufferRegistry.
type BufH uint32

// sentinelBufH is returned by iteration ABI calls to signal "no more
// rows" (spec §6.3: "_iter_next(iter, out_buf) - sentinel buf handle
// indicates end").
const sentinelBufH BufH = 0xFFFFFFFF

// BufferRegistry owns the per-invocation mapping from numeric handles
// to host-side byte vectors used to marshal variable-length values
// across the wasm ABI boundary (spec §4.4). It is freed in full at the
// end of the invocation it belongs to; all copies into/out of wasm
// linear memory go through it so a module cannot corrupt host state by
// pointing an out-pointer at unrelated memory (spec §4.4).
type BufferRegistry struct {
	next    uint32
	buffers map[uint32][]byte
}

func NewBufferRegistry() *BufferRegistry {
	return &BufferRegistry{buffers: make(map[uint32][]byte)}
}

// Alloc copies data into a freshly-registered buffer and returns its
// handle.
func (r *BufferRegistry) Alloc(data []byte) BufH {
	h := r.next
	r.next++
	cpy := make([]byte, len(data))
	copy(cpy, data)
	r.buffers[h] = cpy
	return BufH(h)
}

// Len returns the byte length of the buffer behind h.
func (r *BufferRegistry) Len(h BufH) (int, bool) {
	b, ok := r.buffers[uint32(h)]
	if !ok {
		return 0, false
	}
	return len(b), true
}

// Consume moves ownership of the buffer behind h out to the caller,
// removing it from the registry. It is the Go-side half of
// `_buffer_consume`.
func (r *BufferRegistry) Consume(h BufH) ([]byte, error) {
	b, ok := r.buffers[uint32(h)]
	if !ok {
		return nil, fmt.Errorf("wasmhost: unknown buffer handle %d", h)
	}
	delete(r.buffers, uint32(h))
	return b, nil
}

// Release frees every buffer still held by the registry. Called once
// at invocation end regardless of whether the module consumed them
// all (spec §4.4: "freed on invocation end").
func (r *BufferRegistry) Release() {
	r.buffers = nil
}
