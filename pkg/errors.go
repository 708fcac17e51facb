package shared

import "errors"

// Sentinel errors shared across the storage, secrets and bus boundaries.
// Callers test these with errors.Is; adapters wrap their backend errors into
// one of these so the core never branches on backend-specific codes.
var (
	// ErrNotFound means the entity does not exist. Non-fatal for reads that
	// tolerate absence (cursors, first-time users).
	ErrNotFound = errors.New("not found")

	// ErrConflict means a write used a stale concurrency token. Recovered
	// locally via merge-and-retry, never surfaced to callers of the retry loop.
	ErrConflict = errors.New("concurrency token mismatch")

	// ErrSecretNotFound means the named secret has never been written.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretDeleted means the named secret was deleted and needs recovery
	// before it can be written again. Distinct from ErrSecretNotFound.
	ErrSecretDeleted = errors.New("secret deleted, needs recovery")
)
