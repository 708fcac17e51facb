package googlefit

import (
	"github.com/vitalsync/server/pkg/types"
)

// LinkResolver is this platform's merge strategy for concurrently-written
// links. Revocation still wins unconditionally, but instead of forcing every
// survivor back to ReadyToImport it keeps a state both writers agree on and
// merges the last-sync time with a max, since the per-stream cursors make a
// redundant re-import unnecessary here.
func LinkResolver(incoming, stored *types.PlatformLink) *types.PlatformLink {
	merged := incoming.Clone()

	switch {
	case incoming.State == types.StateUnauthorized || stored.State == types.StateUnauthorized:
		merged.State = types.StateUnauthorized
	case incoming.State == stored.State:
		merged.State = incoming.State
	default:
		merged.State = types.StateReadyToImport
	}

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
