package wasmhost

import "testing"

func TestBufferAllocAndConsume(t *testing.T) {
	r := NewBufferRegistry()
	h := r.Alloc([]byte("hello"))
	n, ok := r.Len(h)
	if !ok || n != 5 {
		t.Fatalf("expected length 5, got %d (ok=%v)", n, ok)
	}
	data, err := r.Consume(h)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
	if _, ok := r.Len(h); ok {
		t.Fatalf("expected handle to be gone after consume")
	}
}

func TestBufferConsumeUnknownHandle(t *testing.T) {
	r := NewBufferRegistry()
	if _, err := r.Consume(BufH(999)); err == nil {
		t.Fatalf("expected error for unknown handle")
	}
}

func TestBufferAllocIsolatesCallerSlice(t *testing.T) {
	r := NewBufferRegistry()
	src := []byte("mutate me")
	h := r.Alloc(src)
	src[0] = 'X'
	data, err := r.Consume(h)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if string(data) != "mutate me" {
		t.Fatalf("expected buffer to be insulated from caller mutation, got %q", data)
	}
}
