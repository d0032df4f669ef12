// Package token implements the Token Manager (spec §4.3): issuing token
// IDs, recording parent/child fork relationships through the audit
// Recorder, and holding the in-memory arena of tokens still in flight for a
// run.
package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/elspeth-data/elspeth/internal/audit"
	"github.com/elspeth-data/elspeth/internal/document"
	"github.com/elspeth-data/elspeth/internal/model"
)

// Manager issues token IDs and tracks every token currently in flight for
// one run, so the processor can look up a token's row/branch ancestry
// without re-querying the recorder.
type Manager struct {
	rec audit.Recorder

	mu     sync.Mutex
	arena  map[string]model.Token
}

// New returns a Manager backed by rec.
func New(rec audit.Recorder) *Manager {
	return &Manager{rec: rec, arena: make(map[string]model.Token)}
}

// NewInitialToken creates the single token a row starts with, recording it
// through the audit Recorder and holding it in the arena.
func (m *Manager) NewInitialToken(ctx context.Context, rowID string, rowData document.Document) (model.Token, error) {
	id := uuid.NewString()

	if err := m.rec.CreateToken(ctx, rowID, id); err != nil {
		return model.Token{}, fmt.Errorf("token: create initial token for row %s: %w", rowID, err)
	}

	tok := model.Token{ID: id, RowID: rowID, RowData: rowData}

	m.mu.Lock()
	m.arena[id] = tok
	m.mu.Unlock()

	return tok, nil
}

// Fork creates one child token per branch name, each carrying parent's row
// ID and row data, recorded against parent through the audit Recorder.
// Returns the children in the same order as branches.
func (m *Manager) Fork(ctx context.Context, parent model.Token, branches []string) ([]model.Token, error) {
	children := make([]model.Token, 0, len(branches))

	for _, branch := range branches {
		childID := uuid.NewString()

		if err := m.rec.ForkToken(ctx, parent.ID, branch, childID); err != nil {
			return nil, fmt.Errorf("token: fork parent %s on branch %q: %w", parent.ID, branch, err)
		}

		child := model.Token{
			ID:            childID,
			RowID:         parent.RowID,
			RowData:       parent.RowData,
			BranchName:    branch,
			ParentTokenID: parent.ID,
		}

		m.mu.Lock()
		m.arena[childID] = child
		m.mu.Unlock()

		children = append(children, child)
	}

	return children, nil
}

// Update replaces the arena's copy of a token after a transform produces new
// row data, preserving the "tokens are immutable; updates create a new
// value" rule (spec §4.3) at the arena boundary.
func (m *Manager) Update(tok model.Token) {
	m.mu.Lock()
	m.arena[tok.ID] = tok
	m.mu.Unlock()
}

// Get returns the arena's current copy of a token by ID.
func (m *Manager) Get(id string) (model.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.arena[id]

	return tok, ok
}

// Release drops a token from the arena once it has reached a terminal
// outcome, so long-running runs don't accumulate unbounded memory.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	delete(m.arena, id)
	m.mu.Unlock()
}

// InFlight reports how many tokens the arena currently holds, used by tests
// checking what NewInitialToken, Fork and Release leave in the arena.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.arena)
}
