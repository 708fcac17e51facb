package shared

import (
	"context"

	"github.com/vitalsync/server/pkg/types"
)

// --- Persistence Interfaces ---

// UserStore persists user records under optimistic concurrency. Get returns a
// record carrying the current concurrency token; Put fails with ErrConflict
// when the token is stale, and on create races.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*types.UserRecord, error)
	PutUser(ctx context.Context, rec *types.UserRecord) error
	ListUsers(ctx context.Context) ([]*types.UserRecord, error)
	DeleteUser(ctx context.Context, id string) error
}

// CursorStore persists per-link, per-stream import cursors. Get returns
// ErrNotFound for a cursor that has never been written; callers treat that as
// the zero cursor.
type CursorStore interface {
	GetCursor(ctx context.Context, userID, platform, streamID string) (types.ImportCursor, error)
	PutCursor(ctx context.Context, userID, platform, streamID string, c types.ImportCursor) error
}

// --- Secret Interfaces ---

// SecretStore holds refresh credentials by name. Get distinguishes
// ErrSecretNotFound from ErrSecretDeleted; both are non-fatal to callers that
// can trigger a fresh authorization.
type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
	DeleteSecret(ctx context.Context, name string) error
}
