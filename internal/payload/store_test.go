package payload

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	testRoundTrip(t, NewMemoryStore())
}

func TestFilesystemStoreRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}

	testRoundTrip(t, store)
}

func testRoundTrip(t *testing.T, store Store) {
	t.Helper()

	ctx := context.Background()
	payload := []byte("hello elspeth")

	hash, err := store.Store(ctx, payload)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	ok, err := store.Exists(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("Exists(%s) = (%v, %v), want (true, nil)", hash, ok, err)
	}

	got, err := store.Retrieve(ctx, hash)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Errorf("Retrieve(Store(b)) = %q, want %q", got, payload)
	}

	hash2, err := store.Store(ctx, payload)
	if err != nil {
		t.Fatalf("second Store() error = %v", err)
	}

	if hash2 != hash {
		t.Errorf("Store() is not idempotent by hash: %s != %s", hash2, hash)
	}
}

func TestFilesystemStoreMissingHash(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}

	if _, err := store.Retrieve(context.Background(), "deadbeef"); err != ErrNotFound {
		t.Errorf("Retrieve() on missing hash = %v, want ErrNotFound", err)
	}
}
