// Package mocks provides func-field test doubles for the shared interfaces.
package mocks

import (
	"context"
	"fmt"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/bus"
	"github.com/vitalsync/server/pkg/importer"
	"github.com/vitalsync/server/pkg/types"
)

// --- Mock UserStore ---

type MockUserStore struct {
	GetUserFunc    func(ctx context.Context, id string) (*types.UserRecord, error)
	PutUserFunc    func(ctx context.Context, rec *types.UserRecord) error
	ListUsersFunc  func(ctx context.Context) ([]*types.UserRecord, error)
	DeleteUserFunc func(ctx context.Context, id string) error
}

func (m *MockUserStore) GetUser(ctx context.Context, id string) (*types.UserRecord, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, id)
	}
	return nil, fmt.Errorf("user %s: %w", id, shared.ErrNotFound)
}

func (m *MockUserStore) PutUser(ctx context.Context, rec *types.UserRecord) error {
	if m.PutUserFunc != nil {
		return m.PutUserFunc(ctx, rec)
	}
	return nil
}

func (m *MockUserStore) ListUsers(ctx context.Context) ([]*types.UserRecord, error) {
	if m.ListUsersFunc != nil {
		return m.ListUsersFunc(ctx)
	}
	return nil, nil
}

func (m *MockUserStore) DeleteUser(ctx context.Context, id string) error {
	if m.DeleteUserFunc != nil {
		return m.DeleteUserFunc(ctx, id)
	}
	return nil
}

// --- Mock CursorStore ---

type MockCursorStore struct {
	GetCursorFunc func(ctx context.Context, userID, platform, streamID string) (types.ImportCursor, error)
	PutCursorFunc func(ctx context.Context, userID, platform, streamID string, c types.ImportCursor) error
}

func (m *MockCursorStore) GetCursor(ctx context.Context, userID, platform, streamID string) (types.ImportCursor, error) {
	if m.GetCursorFunc != nil {
		return m.GetCursorFunc(ctx, userID, platform, streamID)
	}
	return types.ImportCursor{}, fmt.Errorf("cursor: %w", shared.ErrNotFound)
}

func (m *MockCursorStore) PutCursor(ctx context.Context, userID, platform, streamID string, c types.ImportCursor) error {
	if m.PutCursorFunc != nil {
		return m.PutCursorFunc(ctx, userID, platform, streamID, c)
	}
	return nil
}

// --- Mock Emitter ---

type MockEmitter struct {
	EmitBatchFunc func(ctx context.Context, topic string, events []*bus.Event) error
}

func (m *MockEmitter) EmitBatch(ctx context.Context, topic string, events []*bus.Event) error {
	if m.EmitBatchFunc != nil {
		return m.EmitBatchFunc(ctx, topic, events)
	}
	return nil
}

// --- Mock SecretStore ---

type MockSecretStore struct {
	GetSecretFunc    func(ctx context.Context, name string) (string, error)
	SetSecretFunc    func(ctx context.Context, name, value string) error
	DeleteSecretFunc func(ctx context.Context, name string) error
}

func (m *MockSecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	if m.GetSecretFunc != nil {
		return m.GetSecretFunc(ctx, name)
	}
	return "mock-secret-value", nil
}

func (m *MockSecretStore) SetSecret(ctx context.Context, name, value string) error {
	if m.SetSecretFunc != nil {
		return m.SetSecretFunc(ctx, name, value)
	}
	return nil
}

func (m *MockSecretStore) DeleteSecret(ctx context.Context, name string) error {
	if m.DeleteSecretFunc != nil {
		return m.DeleteSecretFunc(ctx, name)
	}
	return nil
}

// --- Mock SourceClient ---

type MockSourceClient struct {
	ListStreamsFunc func(ctx context.Context) ([]importer.Stream, error)
	FetchPageFunc   func(ctx context.Context, stream importer.Stream, cursor types.ImportCursor) (*importer.Page, error)
}

func (m *MockSourceClient) ListStreams(ctx context.Context) ([]importer.Stream, error) {
	if m.ListStreamsFunc != nil {
		return m.ListStreamsFunc(ctx)
	}
	return nil, nil
}

func (m *MockSourceClient) FetchPage(ctx context.Context, stream importer.Stream, cursor types.ImportCursor) (*importer.Page, error) {
	if m.FetchPageFunc != nil {
		return m.FetchPageFunc(ctx, stream, cursor)
	}
	return &importer.Page{}, nil
}
