package firestore

import (
	"time"

	"cloud.google.com/go/firestore"

	"github.com/vitalsync/server/pkg/types"
)

// Converters between domain records and Firestore maps. Field names are
// snake_case on the wire; concurrency tokens never round-trip through the
// document body, they come from the snapshot's update time.

func userToMap(rec *types.UserRecord) map[string]interface{} {
	platforms := make(map[string]interface{}, len(rec.Platforms))
	for name, link := range rec.Platforms {
		platforms[name] = map[string]interface{}{
			"platform_name":      link.PlatformName,
			"platform_user_id":   link.PlatformUserID,
			"state":              string(link.State),
			"last_sync":          link.LastSync,
			"refresh_secret_ref": link.RefreshSecretRef,
		}
	}
	return map[string]interface{}{
		"user_id":      rec.UserID,
		"platforms":    platforms,
		"last_touched": rec.LastTouched,
	}
}

func mapToUpdates(data map[string]interface{}) []firestore.Update {
	updates := make([]firestore.Update, 0, len(data))
	for k, v := range data {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	return updates
}

func userFromDoc(id string, snap *firestore.DocumentSnapshot) (*types.UserRecord, error) {
	data := snap.Data()
	rec := &types.UserRecord{
		UserID:      id,
		Platforms:   make(map[string]*types.PlatformLink),
		LastTouched: asTime(data["last_touched"]),
		ETag:        snap.UpdateTime.UTC().Format(time.RFC3339Nano),
	}

	platforms, _ := data["platforms"].(map[string]interface{})
	for name, raw := range platforms {
		linkData, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		rec.Platforms[name] = &types.PlatformLink{
			PlatformName:     asString(linkData["platform_name"], name),
			PlatformUserID:   asString(linkData["platform_user_id"], ""),
			State:            types.ImportState(asString(linkData["state"], string(types.StateReadyToImport))),
			LastSync:         asTime(linkData["last_sync"]),
			RefreshSecretRef: asString(linkData["refresh_secret_ref"], ""),
		}
	}
	return rec, nil
}

func cursorToMap(userID, platform, streamID string, c types.ImportCursor) map[string]interface{} {
	return map[string]interface{}{
		"user_id":    userID,
		"platform":   platform,
		"stream_id":  streamID,
		"page_token": c.PageToken,
		"watermark":  c.Watermark,
	}
}

func cursorFromMap(data map[string]interface{}) types.ImportCursor {
	return types.ImportCursor{
		PageToken: asString(data["page_token"], ""),
		Watermark: asTime(data["watermark"]),
	}
}

func secretToMap(value string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"value":      value,
		"deleted":    false,
		"updated_at": now,
	}
}

func secretFromMap(data map[string]interface{}) (string, bool) {
	deleted, _ := data["deleted"].(bool)
	return asString(data["value"], ""), deleted
}

func asString(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func asTime(v interface{}) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}
