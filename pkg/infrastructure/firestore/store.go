// Package firestore adapts Firestore into the server's user and cursor
// stores. Document update times double as the optimistic-concurrency tokens.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/types"
)

// Store implements shared.UserStore, shared.CursorStore and shared.SecretStore
// over one Firestore client.
type Store struct {
	Client *firestore.Client
}

func NewStore(client *firestore.Client) *Store {
	return &Store{Client: client}
}

func (s *Store) users() *firestore.CollectionRef {
	return s.Client.Collection(shared.CollectionUsers)
}

func (s *Store) cursors() *firestore.CollectionRef {
	return s.Client.Collection(shared.CollectionCursors)
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.UserRecord, error) {
	snap, err := s.users().Doc(id).Get(ctx)
	if err != nil {
		return nil, mapError(fmt.Sprintf("get user %s", id), err)
	}
	return userFromDoc(id, snap)
}

// PutUser writes the record guarded by its concurrency token. An empty token
// creates the document; a create race or a stale token maps to ErrConflict so
// the caller's merge path runs.
func (s *Store) PutUser(ctx context.Context, rec *types.UserRecord) error {
	doc := s.users().Doc(rec.UserID)
	data := userToMap(rec)

	var result *firestore.WriteResult
	var err error
	if rec.ETag == "" {
		result, err = doc.Create(ctx, data)
	} else {
		updateTime, parseErr := time.Parse(time.RFC3339Nano, rec.ETag)
		if parseErr != nil {
			return fmt.Errorf("user %s has malformed concurrency token: %w", rec.UserID, shared.ErrConflict)
		}
		result, err = doc.Update(ctx, mapToUpdates(data), firestore.LastUpdateTime(updateTime))
	}
	if err != nil {
		return mapError(fmt.Sprintf("put user %s", rec.UserID), err)
	}

	rec.ETag = result.UpdateTime.UTC().Format(time.RFC3339Nano)
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*types.UserRecord, error) {
	var out []*types.UserRecord

	iter := s.users().Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, mapError("list users", err)
		}
		rec, err := userFromDoc(snap.Ref.ID, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.users().Doc(id).Delete(ctx, firestore.Exists); err != nil {
		return mapError(fmt.Sprintf("delete user %s", id), err)
	}
	return nil
}

func cursorDocID(userID, platform, streamID string) string {
	return userID + "__" + platform + "__" + streamID
}

func (s *Store) GetCursor(ctx context.Context, userID, platform, streamID string) (types.ImportCursor, error) {
	snap, err := s.cursors().Doc(cursorDocID(userID, platform, streamID)).Get(ctx)
	if err != nil {
		return types.ImportCursor{}, mapError("get cursor", err)
	}
	return cursorFromMap(snap.Data()), nil
}

func (s *Store) PutCursor(ctx context.Context, userID, platform, streamID string, c types.ImportCursor) error {
	_, err := s.cursors().Doc(cursorDocID(userID, platform, streamID)).Set(ctx, cursorToMap(userID, platform, streamID, c))
	if err != nil {
		return mapError("put cursor", err)
	}
	return nil
}

func (s *Store) secrets() *firestore.CollectionRef {
	return s.Client.Collection(shared.CollectionSecrets)
}

// GetSecret reads one named secret. A deleted secret keeps its document as a
// tombstone and reports ErrSecretDeleted, same as the in-memory store.
func (s *Store) GetSecret(ctx context.Context, name string) (string, error) {
	snap, err := s.secrets().Doc(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("secret %s: %w", name, shared.ErrSecretNotFound)
		}
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	value, deleted := secretFromMap(snap.Data())
	if deleted {
		return "", fmt.Errorf("secret %s: %w", name, shared.ErrSecretDeleted)
	}
	return value, nil
}

// SetSecret writes the value, recovering a tombstoned slot if one exists.
func (s *Store) SetSecret(ctx context.Context, name, value string) error {
	if _, err := s.secrets().Doc(name).Set(ctx, secretToMap(value, time.Now().UTC())); err != nil {
		return fmt.Errorf("set secret %s: %w", name, err)
	}
	return nil
}

// DeleteSecret blanks the value and leaves a tombstone in place of the
// document, so reads distinguish "deleted" from "never existed".
func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	_, err := s.secrets().Doc(name).Update(ctx, []firestore.Update{
		{Path: "value", Value: ""},
		{Path: "deleted", Value: true},
		{Path: "updated_at", Value: time.Now().UTC()},
	}, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("secret %s: %w", name, shared.ErrSecretNotFound)
		}
		return fmt.Errorf("delete secret %s: %w", name, err)
	}
	return nil
}

// mapError translates Firestore status codes into the shared sentinels.
func mapError(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, shared.ErrNotFound)
	case codes.AlreadyExists, codes.FailedPrecondition:
		return fmt.Errorf("%s: %w", op, shared.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
