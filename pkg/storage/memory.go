// Package storage provides the in-memory store used for local development and
// tests. Production deployments use the Firestore-backed adapter in
// pkg/infrastructure/firestore.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/types"
)

// MemoryUserStore keeps user records in a map with uuid concurrency tokens.
// Every successful write rotates the record's ETag, so a concurrent writer
// holding the old token gets ErrConflict and goes through the merge path.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*types.UserRecord
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*types.UserRecord)}
}

func (s *MemoryUserStore) GetUser(ctx context.Context, id string) (*types.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, shared.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryUserStore) PutUser(ctx context.Context, rec *types.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.users[rec.UserID]
	if exists && stored.ETag != rec.ETag {
		return fmt.Errorf("user %s: %w", rec.UserID, shared.ErrConflict)
	}
	if !exists && rec.ETag != "" {
		// A non-empty token for a record that no longer exists means the
		// record was deleted underneath the writer.
		return fmt.Errorf("user %s: %w", rec.UserID, shared.ErrConflict)
	}

	cp := rec.Clone()
	cp.ETag = uuid.NewString()
	s.users[rec.UserID] = cp
	rec.ETag = cp.ETag
	return nil
}

func (s *MemoryUserStore) ListUsers(ctx context.Context) ([]*types.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.UserRecord, 0, len(s.users))
	for _, rec := range s.users {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryUserStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, shared.ErrNotFound)
	}
	delete(s.users, id)
	return nil
}

// MemoryCursorStore keeps import cursors in a map. Writes that would regress
// the watermark are clamped to the stored watermark; the page token still
// advances.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]types.ImportCursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]types.ImportCursor)}
}

func cursorKey(userID, platform, streamID string) string {
	return userID + "/" + platform + "/" + streamID
}

func (s *MemoryCursorStore) GetCursor(ctx context.Context, userID, platform, streamID string) (types.ImportCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cursors[cursorKey(userID, platform, streamID)]
	if !ok {
		return types.ImportCursor{}, fmt.Errorf("cursor %s: %w", cursorKey(userID, platform, streamID), shared.ErrNotFound)
	}
	return c, nil
}

func (s *MemoryCursorStore) PutCursor(ctx context.Context, userID, platform, streamID string, c types.ImportCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorKey(userID, platform, streamID)
	if stored, ok := s.cursors[key]; ok && c.Watermark.Before(stored.Watermark) {
		c.Watermark = stored.Watermark
	}
	s.cursors[key] = c
	return nil
}
