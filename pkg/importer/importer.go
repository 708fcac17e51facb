// Package importer pages through a provider's dataset API for one
// (user, platform) pair and emits the converted records downstream.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/bus"
	"github.com/vitalsync/server/pkg/conflict"
	"github.com/vitalsync/server/pkg/ratelimit"
	"github.com/vitalsync/server/pkg/tokens"
	"github.com/vitalsync/server/pkg/types"
)

// ErrNotReady means the link is not in a state that allows an import to start
// (revoked, never authorized, or already importing).
var ErrNotReady = errors.New("platform link not ready to import")

// Stream is one of a user's available data streams on the provider.
type Stream struct {
	ID   string
	Kind string
}

// Record is one opaque provider record with the fields the pipeline needs.
type Record struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   json.RawMessage
}

// Page is one provider response. An empty NextPageToken with no records means
// the stream is exhausted up to the watermark.
type Page struct {
	Records       []Record
	NextPageToken string
	Watermark     time.Time
}

// SourceClient pages through one platform's dataset API for one user. The
// client is already authenticated; auth failures surface as errors wrapping
// tokens.ErrReauthorizationRequired.
type SourceClient interface {
	ListStreams(ctx context.Context) ([]Stream, error)
	FetchPage(ctx context.Context, stream Stream, cursor types.ImportCursor) (*Page, error)
}

// PageFailure records one page that could not be delivered. It does not abort
// the remaining pages or streams.
type PageFailure struct {
	StreamID string
	Page     int
	Err      error
}

// Summary reports what one orchestrator run did.
type Summary struct {
	Streams         int
	Pages           int
	EventsEmitted   int
	PartialFailures []PageFailure
}

// Orchestrator drives the per-link state machine
// ReadyToImport -> Importing -> {ReadyToImport | Unauthorized} and guarantees
// at-least-once delivery: the cursor advances only past pages whose events
// were acknowledged by the bus.
type Orchestrator struct {
	users    shared.UserStore
	cursors  shared.CursorStore
	emitter  bus.Emitter
	limiter  *ratelimit.Limiter
	resolver *conflict.Registry
	topic    string
	logger   *slog.Logger

	now func() time.Time
}

func NewOrchestrator(users shared.UserStore, cursors shared.CursorStore, emitter bus.Emitter, limiter *ratelimit.Limiter, resolver *conflict.Registry, topic string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		users:    users,
		cursors:  cursors,
		emitter:  emitter,
		limiter:  limiter,
		resolver: resolver,
		topic:    topic,
		logger:   logger.With("component", "importer"),
		now:      time.Now,
	}
}

// Run executes one import pass for the task using the given authenticated
// client. Transient failures leave the link ReadyToImport with its cursor
// untouched so the next scheduled pass retries; authorization failures flip
// the link to Unauthorized so future runs skip it without retry storms.
func (o *Orchestrator) Run(ctx context.Context, task types.ImportTask, client SourceClient) (*Summary, error) {
	logger := o.logger.With("user_id", task.UserID, "platform", task.PlatformName)

	link, err := o.transitionToImporting(ctx, logger, task)
	if err != nil {
		return nil, err
	}

	summary, runErr := o.importStreams(ctx, logger, task, client)

	// The final transition always runs, even on cancellation: a link stuck in
	// Importing would otherwise never be scheduled again.
	endState := types.StateReadyToImport
	lastSync := link.LastSync
	switch {
	case runErr == nil:
		lastSync = o.now()
	case errors.Is(runErr, tokens.ErrReauthorizationRequired):
		endState = types.StateUnauthorized
		logger.Warn("Authorization revoked by provider", "error", runErr)
	default:
		logger.Warn("Import failed, will retry on next pass", "error", runErr)
	}

	if err := o.transitionState(context.WithoutCancel(ctx), task, endState, lastSync); err != nil {
		if errors.Is(err, ErrNotReady) {
			// Revoked while the import ran; the revocation stands and the
			// already-emitted events are unaffected.
			logger.Warn("Link revoked during import, leaving it disabled")
		} else {
			logger.Error("Failed to persist final import state", "state", endState, "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	if summary != nil {
		logger.Info("Import pass finished",
			"streams", summary.Streams,
			"pages", summary.Pages,
			"events", summary.EventsEmitted,
			"partial_failures", len(summary.PartialFailures))
	}
	return summary, runErr
}

// transitionToImporting verifies the link is eligible and marks it Importing
// before any work begins, so a crash mid-import is observable.
func (o *Orchestrator) transitionToImporting(ctx context.Context, logger *slog.Logger, task types.ImportTask) (*types.PlatformLink, error) {
	user, err := o.users.GetUser(ctx, task.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	link := user.Link(task.PlatformName)
	if link == nil {
		return nil, fmt.Errorf("user %s has no %s link: %w", task.UserID, task.PlatformName, ErrNotReady)
	}
	if link.State != types.StateReadyToImport {
		return nil, fmt.Errorf("link state is %s: %w", link.State, ErrNotReady)
	}

	if err := o.transitionState(ctx, task, types.StateImporting, link.LastSync); err != nil {
		return nil, fmt.Errorf("mark importing: %w", err)
	}
	logger.Debug("Link marked importing")
	return link.Clone(), nil
}

func (o *Orchestrator) transitionState(ctx context.Context, task types.ImportTask, state types.ImportState, lastSync time.Time) error {
	user, err := o.users.GetUser(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("load user for transition: %w", err)
	}
	link := user.Link(task.PlatformName)
	if link == nil {
		return fmt.Errorf("link %s vanished", task.PlatformName)
	}

	// Unauthorized is cleared only by a fresh authorization flow. A revocation
	// that lands while an import is in flight must survive the final write, so
	// it is never overwritten here.
	if link.State == types.StateUnauthorized && state != types.StateUnauthorized {
		return fmt.Errorf("link %s revoked concurrently: %w", task.PlatformName, ErrNotReady)
	}

	link.State = state
	link.LastSync = lastSync
	user.LastTouched = o.now()

	return o.resolver.WriteWithRetry(ctx, o.users, o.logger, user, conflict.DefaultMaxAttempts)
}

func (o *Orchestrator) importStreams(ctx context.Context, logger *slog.Logger, task types.ImportTask, client SourceClient) (*Summary, error) {
	streams, err := client.ListStreams(ctx)
	if err != nil {
		return &Summary{}, fmt.Errorf("list streams: %w", err)
	}

	summary := &Summary{Streams: len(streams)}
	for _, stream := range streams {
		if err := o.importStream(ctx, logger, task, client, stream, summary); err != nil {
			return summary, fmt.Errorf("stream %s: %w", stream.ID, err)
		}
	}
	return summary, nil
}

// importStream pages through one stream in provider order. Pages are
// processed and cursor-advanced strictly in the order returned; once a page
// fails to deliver, later pages still emit but the cursor freezes so the next
// run re-fetches from the failed page (at-least-once, never at-most-once).
func (o *Orchestrator) importStream(ctx context.Context, logger *slog.Logger, task types.ImportTask, client SourceClient, stream Stream, summary *Summary) error {
	cursor, err := o.cursors.GetCursor(ctx, task.UserID, task.PlatformName, stream.ID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return fmt.Errorf("load cursor: %w", err)
	}

	// Once a page fails to deliver the cursor freezes: later pages may still
	// emit, but the persisted cursor never moves past the gap.
	cursorFrozen := false
	pageNum := 0

	for {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}

		page, err := client.FetchPage(ctx, stream, cursor)
		if err != nil {
			return fmt.Errorf("fetch page %d: %w", pageNum+1, err)
		}
		if len(page.Records) == 0 && page.NextPageToken == "" {
			break
		}
		pageNum++
		summary.Pages++

		events := convertPage(task, stream, page)
		if err := o.emitPage(ctx, events); err != nil {
			if !errors.Is(err, bus.ErrBatchCapacity) {
				return fmt.Errorf("emit page %d: %w", pageNum, err)
			}
			// Oversized page: isolated failure, remaining pages continue but
			// the cursor must not advance past the gap.
			logger.Warn("Page exceeded bus capacity, recorded as partial failure", "stream", stream.ID, "page", pageNum, "error", err)
			summary.PartialFailures = append(summary.PartialFailures, PageFailure{
				StreamID: stream.ID,
				Page:     pageNum,
				Err:      err,
			})
			cursorFrozen = true
		} else {
			summary.EventsEmitted += len(events)
		}

		next := advanceCursor(cursor, page)
		if !cursorFrozen {
			if err := o.cursors.PutCursor(ctx, task.UserID, task.PlatformName, stream.ID, next); err != nil {
				return fmt.Errorf("persist cursor after page %d: %w", pageNum, err)
			}
		}
		cursor = next

		if page.NextPageToken == "" {
			break
		}
	}
	return nil
}

// emitPage sends one page's events, splitting and retrying once when the bus
// rejects the batch for capacity.
func (o *Orchestrator) emitPage(ctx context.Context, events []*bus.Event) error {
	if len(events) == 0 {
		return nil
	}

	err := o.emitter.EmitBatch(ctx, o.topic, events)
	if err == nil || !errors.Is(err, bus.ErrBatchCapacity) || len(events) < 2 {
		return err
	}

	mid := len(events) / 2
	if err := o.emitter.EmitBatch(ctx, o.topic, events[:mid]); err != nil {
		return err
	}
	return o.emitter.EmitBatch(ctx, o.topic, events[mid:])
}

func convertPage(task types.ImportTask, stream Stream, page *Page) []*bus.Event {
	events := make([]*bus.Event, 0, len(page.Records))
	for _, rec := range page.Records {
		events = append(events, &bus.Event{
			ID:        rec.ID,
			UserID:    task.UserID,
			Platform:  task.PlatformName,
			StreamID:  stream.ID,
			Kind:      rec.Kind,
			Timestamp: rec.Timestamp,
			Payload:   rec.Payload,
		})
	}
	return events
}

// advanceCursor moves to the next page without ever regressing the watermark.
func advanceCursor(cursor types.ImportCursor, page *Page) types.ImportCursor {
	next := types.ImportCursor{
		PageToken: page.NextPageToken,
		Watermark: cursor.Watermark,
	}
	if page.Watermark.After(next.Watermark) {
		next.Watermark = page.Watermark
	}
	return next
}
