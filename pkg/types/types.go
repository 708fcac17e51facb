// Package types holds the domain records shared across the sync server.
package types

import (
	"time"
)

// ImportState is the lifecycle flag of a platform link.
type ImportState string

const (
	StateReadyToImport ImportState = "READY_TO_IMPORT"
	StateImporting     ImportState = "IMPORTING"
	StateUnauthorized  ImportState = "UNAUTHORIZED"
)

// PlatformLink is the per-user, per-provider authorization and sync-state record.
// RefreshSecretRef is a handle into the secret store, never the raw credential.
type PlatformLink struct {
	PlatformName     string      `json:"platform_name"`
	PlatformUserID   string      `json:"platform_user_id"`
	State            ImportState `json:"state"`
	LastSync         time.Time   `json:"last_sync"`
	RefreshSecretRef string      `json:"refresh_secret_ref"`
}

// Clone returns a deep copy of the link.
func (l *PlatformLink) Clone() *PlatformLink {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

// UserRecord is the root persisted entity. At most one PlatformLink exists per
// platform name, which the map key enforces. ETag is the opaque concurrency
// token assigned by the store; writes with a stale ETag fail with a conflict.
type UserRecord struct {
	UserID      string                   `json:"user_id"`
	Platforms   map[string]*PlatformLink `json:"platforms"`
	LastTouched time.Time                `json:"last_touched"`
	ETag        string                   `json:"-"`
}

// Clone returns a deep copy of the record, ETag included.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	cp := &UserRecord{
		UserID:      u.UserID,
		LastTouched: u.LastTouched,
		ETag:        u.ETag,
		Platforms:   make(map[string]*PlatformLink, len(u.Platforms)),
	}
	for name, link := range u.Platforms {
		cp.Platforms[name] = link.Clone()
	}
	return cp
}

// Link returns the platform link for name, or nil.
func (u *UserRecord) Link(name string) *PlatformLink {
	if u == nil || u.Platforms == nil {
		return nil
	}
	return u.Platforms[name]
}

// SetLink inserts or replaces the link for its platform name.
func (u *UserRecord) SetLink(link *PlatformLink) {
	if u.Platforms == nil {
		u.Platforms = make(map[string]*PlatformLink)
	}
	u.Platforms[link.PlatformName] = link
}

// ImportCursor is the resumption point of a paginated provider query.
// The watermark never regresses below the last confirmed-delivered record.
type ImportCursor struct {
	PageToken string    `json:"page_token"`
	Watermark time.Time `json:"watermark"`
}

// IsZero reports whether the cursor has never advanced.
func (c ImportCursor) IsZero() bool {
	return c.PageToken == "" && c.Watermark.IsZero()
}

// ImportTask is the queue payload fanned out per (user, platform) pair.
type ImportTask struct {
	UserID         string `json:"user_id"`
	PlatformUserID string `json:"platform_user_id"`
	PlatformName   string `json:"platform_name"`
}
