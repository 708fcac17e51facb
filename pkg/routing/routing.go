// Package routing dispatches inbound HTTP and queue requests to platform
// handlers through an ordered responsibility chain.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/vitalsync/server/pkg/infrastructure/sentry"
)

// Request is the ephemeral, per-call value object handed to handlers. Route is
// the normalized path ("googlefit/authorize"); Query and Header carry the raw
// inbound data needed for auth; Payload is the queue message body, if any.
type Request struct {
	Route   string
	Query   url.Values
	Header  http.Header
	Payload []byte
}

// Result is what dispatch always terminates with.
type Result struct {
	Status   int
	Message  string
	Location string // set for redirect results
}

// Outcome is the explicit tri-state a handler reports. A handler whose
// internal guard fails must return Handled (with an error status) or Failed;
// NotApplicable is an explicit pass-through, never an accident.
type Outcome int

const (
	OutcomeHandled Outcome = iota
	OutcomeNotApplicable
	OutcomeFailed
)

// Response pairs an outcome with its result or error.
type Response struct {
	Outcome Outcome
	Result  *Result
	Err     error
}

// Handled wraps a terminal result.
func Handled(res *Result) Response {
	return Response{Outcome: OutcomeHandled, Result: res}
}

// NotApplicable signals an explicit pass-through to the next handler.
func NotApplicable() Response {
	return Response{Outcome: OutcomeNotApplicable}
}

// Failed signals a handler-internal error. The dispatcher converts it to a
// generic failure result; it never propagates to the transport.
func Failed(err error) Response {
	return Response{Outcome: OutcomeFailed, Err: err}
}

// Handler is one link of the chain. Routes returns the route prefixes the
// handler claims; the first registered handler whose prefix matches wins.
type Handler interface {
	Name() string
	Routes() []string
	Handle(ctx context.Context, req *Request) Response
}

// Dispatcher evaluates handlers in registration order and guarantees every
// dispatch terminates with a result. A reserved terminal handler answers all
// unmatched routes with 404.
type Dispatcher struct {
	handlers []Handler
	logger   *slog.Logger
}

// NewDispatcher builds the chain once at startup. The chain is never mutated
// afterwards.
func NewDispatcher(logger *slog.Logger, handlers ...Handler) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		logger:   logger.With("component", "dispatcher"),
	}
}

var notFound = &Result{Status: http.StatusNotFound, Message: "not found"}

var genericFailure = &Result{Status: http.StatusInternalServerError, Message: "internal error"}

// Dispatch routes the request to the first matching handler. It never returns
// nil and never panics: handler errors and panics are captured and converted
// into a generic failure result.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Result {
	for _, h := range d.handlers {
		if !matches(h, req.Route) {
			continue
		}

		resp := d.safeHandle(ctx, h, req)
		switch resp.Outcome {
		case OutcomeHandled:
			if resp.Result == nil {
				// A nil result under OutcomeHandled is a handler bug, not a
				// pass-through. Surface it as a failure rather than continuing.
				d.logger.Error("Handler returned nil result", "handler", h.Name(), "route", req.Route)
				return genericFailure
			}
			return resp.Result
		case OutcomeFailed:
			d.logger.Error("Handler failed", "handler", h.Name(), "route", req.Route, "error", resp.Err)
			sentry.CaptureException(resp.Err, map[string]interface{}{"route": req.Route, "handler": h.Name()}, d.logger)
			return genericFailure
		case OutcomeNotApplicable:
			d.logger.Debug("Handler passed through", "handler", h.Name(), "route", req.Route)
		}
	}
	return notFound
}

func (d *Dispatcher) safeHandle(ctx context.Context, h Handler, req *Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Failed(fmt.Errorf("handler %s panicked: %v", h.Name(), r))
		}
	}()
	return h.Handle(ctx, req)
}

func matches(h Handler, route string) bool {
	for _, prefix := range h.Routes() {
		if strings.HasPrefix(route, prefix) {
			return true
		}
	}
	return false
}
