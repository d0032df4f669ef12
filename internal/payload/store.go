// Package payload implements the content-addressed blob store the engine
// requires before any row processing begins (spec §4.1, §5). A run cannot
// start without one configured; see orchestrator.Run.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Store is a strictly content-addressed blob store keyed by SHA-256 of the
// bytes it holds.
type Store interface {
	Store(ctx context.Context, b []byte) (hash string, err error)
	Retrieve(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
}

// HashBytes computes the hex SHA-256 hash used as a payload's key, shared by
// every Store implementation so hashes are comparable across backends.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)

	return hex.EncodeToString(h[:])
}
