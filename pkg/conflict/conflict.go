// Package conflict merges concurrently-written user records on
// optimistic-concurrency write failures.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/types"
)

// DefaultMaxAttempts bounds the merge-and-retry write loop.
const DefaultMaxAttempts = 3

// LinkResolver merges two versions of one platform link. Resolvers must be
// pure: no I/O, no mutation of their inputs.
type LinkResolver func(incoming, stored *types.PlatformLink) *types.PlatformLink

// Registry selects the merge strategy per platform name. Platforms without a
// registered resolver fall back to DefaultLinkResolver. Built at startup;
// Register is not safe to call after the registry is in use.
type Registry struct {
	byPlatform map[string]LinkResolver
}

func NewRegistry() *Registry {
	return &Registry{byPlatform: make(map[string]LinkResolver)}
}

// Register installs a platform-specific resolver.
func (r *Registry) Register(platform string, resolver LinkResolver) {
	r.byPlatform[platform] = resolver
}

func (r *Registry) resolver(platform string) LinkResolver {
	if res, ok := r.byPlatform[platform]; ok {
		return res
	}
	return DefaultLinkResolver
}

// DefaultLinkResolver applies the state-precedence rule: a revoked
// authorization must never be silently lost, so Unauthorized on either side
// wins; otherwise the merged link is forced back to ReadyToImport, trading a
// redundant import for never trusting a stale "already imported" state.
func DefaultLinkResolver(incoming, stored *types.PlatformLink) *types.PlatformLink {
	merged := incoming.Clone()

	if incoming.State == types.StateUnauthorized || stored.State == types.StateUnauthorized {
		merged.State = types.StateUnauthorized
	} else {
		merged.State = types.StateReadyToImport
	}

	// The sync watermark is monotonic regardless of which writer wins.
	if stored.LastSync.After(merged.LastSync) {
		merged.LastSync = stored.LastSync
	}
	if merged.PlatformUserID == "" {
		merged.PlatformUserID = stored.PlatformUserID
	}
	if merged.RefreshSecretRef == "" {
		merged.RefreshSecretRef = stored.RefreshSecretRef
	}

	return merged
}

// Merge combines two versions of a user record into one. Links present on
// both sides go through the platform's resolver; links present on only one
// side are carried through untouched (new authorizations from either writer
// survive). The merged last-touched timestamp is the maximum of the inputs'.
// Merge is pure: neither input is mutated.
func (r *Registry) Merge(incoming, stored *types.UserRecord) *types.UserRecord {
	merged := &types.UserRecord{
		UserID:      incoming.UserID,
		LastTouched: incoming.LastTouched,
		Platforms:   make(map[string]*types.PlatformLink),
	}
	if stored.LastTouched.After(merged.LastTouched) {
		merged.LastTouched = stored.LastTouched
	}

	for name, storedLink := range stored.Platforms {
		if incomingLink := incoming.Link(name); incomingLink != nil {
			merged.Platforms[name] = r.resolver(name)(incomingLink, storedLink)
		} else {
			merged.Platforms[name] = storedLink.Clone()
		}
	}
	for name, incomingLink := range incoming.Platforms {
		if _, ok := merged.Platforms[name]; !ok {
			merged.Platforms[name] = incomingLink.Clone()
		}
	}

	return merged
}

// WriteWithRetry writes rec through the optimistic-concurrency store. On a
// conflict it re-reads the latest stored version, merges, and retries with the
// fresh concurrency token, up to maxAttempts. Exhausting the retries surfaces
// a non-retryable write error.
func (r *Registry) WriteWithRetry(ctx context.Context, store shared.UserStore, logger *slog.Logger, rec *types.UserRecord, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	current := rec
	for attempt := 1; ; attempt++ {
		err := store.PutUser(ctx, current)
		if err == nil {
			return nil
		}
		if !errors.Is(err, shared.ErrConflict) {
			return fmt.Errorf("write user %s: %w", rec.UserID, err)
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("write user %s: conflict retries exhausted after %d attempts: %w", rec.UserID, attempt, err)
		}

		latest, getErr := store.GetUser(ctx, rec.UserID)
		if getErr != nil {
			return fmt.Errorf("re-read user %s after conflict: %w", rec.UserID, getErr)
		}

		logger.Debug("Write conflict, merging", "user_id", rec.UserID, "attempt", attempt)
		current = r.Merge(current, latest)
		current.ETag = latest.ETag
	}
}
