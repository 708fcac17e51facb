package googlefit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/auth"
	"github.com/vitalsync/server/pkg/conflict"
	"github.com/vitalsync/server/pkg/importer"
	"github.com/vitalsync/server/pkg/queue"
	"github.com/vitalsync/server/pkg/routing"
	"github.com/vitalsync/server/pkg/tokens"
	"github.com/vitalsync/server/pkg/types"
)

// Handler serves the googlefit/* routes: the interactive authorize, callback
// and revoke flows plus the queue-dispatched import operation.
type Handler struct {
	users        shared.UserStore
	secrets      shared.SecretStore
	orchestrator *importer.Orchestrator
	resolver     *conflict.Registry
	validator    *auth.Validator
	anonymous    bool

	oauthConfig *oauth2.Config
	httpClient  *http.Client
	logger      *slog.Logger
}

type HandlerConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Anonymous    bool
}

func NewHandler(users shared.UserStore, secrets shared.SecretStore, orchestrator *importer.Orchestrator, resolver *conflict.Registry, validator *auth.Validator, cfg HandlerConfig, logger *slog.Logger) *Handler {
	return &Handler{
		users:        users,
		secrets:      secrets,
		orchestrator: orchestrator,
		resolver:     resolver,
		validator:    validator,
		anonymous:    cfg.Anonymous,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{Scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  AuthURL,
				TokenURL: TokenURL,
			},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "googlefit"),
	}
}

func (h *Handler) Name() string {
	return shared.PlatformGoogleFit
}

func (h *Handler) Routes() []string {
	return []string{shared.PlatformGoogleFit + "/"}
}

func (h *Handler) Handle(ctx context.Context, req *routing.Request) routing.Response {
	op := strings.TrimPrefix(req.Route, shared.PlatformGoogleFit+"/")

	switch op {
	case shared.RouteAuthorize:
		return h.handleAuthorize(ctx, req)
	case shared.RouteCallback:
		return h.handleCallback(ctx, req)
	case shared.RouteRevoke:
		return h.handleRevoke(ctx, req)
	case shared.RouteImport:
		return h.handleImport(ctx, req)
	default:
		// Unknown sub-route under our prefix: explicit pass-through so the
		// terminal handler answers 404.
		return routing.NotApplicable()
	}
}

// identify resolves the acting user: bearer token subject in normal mode,
// external id/system query parameters in anonymous mode.
func (h *Handler) identify(ctx context.Context, req *routing.Request) (string, routing.Response) {
	if h.anonymous {
		identity, err := auth.AnonymousIdentity(req.Query)
		if err != nil {
			return "", routing.Handled(&routing.Result{Status: http.StatusBadRequest, Message: err.Error()})
		}
		return identity.ExternalSystem + ":" + identity.ExternalID, routing.Response{}
	}

	if !h.validator.Validate(ctx, req.Header.Values("Authorization")) {
		return "", routing.Handled(&routing.Result{Status: http.StatusUnauthorized, Message: "invalid or missing bearer token"})
	}
	userID := req.Query.Get("user_id")
	if userID == "" {
		return "", routing.Handled(&routing.Result{Status: http.StatusBadRequest, Message: "user_id query parameter is required"})
	}
	return userID, routing.Response{}
}

func (h *Handler) handleAuthorize(ctx context.Context, req *routing.Request) routing.Response {
	userID, failure := h.identify(ctx, req)
	if failure.Result != nil {
		return failure
	}

	state := base64.RawURLEncoding.EncodeToString([]byte(userID))
	authURL := h.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	return routing.Handled(&routing.Result{
		Status:   http.StatusFound,
		Location: authURL,
		Message:  "redirecting to provider consent",
	})
}

func (h *Handler) handleCallback(ctx context.Context, req *routing.Request) routing.Response {
	code := req.Query.Get("code")
	state := req.Query.Get("state")
	if code == "" || state == "" {
		return routing.Handled(&routing.Result{Status: http.StatusBadRequest, Message: "code and state query parameters are required"})
	}

	decoded, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil || len(decoded) == 0 {
		return routing.Handled(&routing.Result{Status: http.StatusBadRequest, Message: "malformed state parameter"})
	}
	userID := string(decoded)

	tok, err := h.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return routing.Failed(fmt.Errorf("code exchange failed: %w", err))
	}
	if tok.RefreshToken == "" {
		return routing.Handled(&routing.Result{Status: http.StatusBadRequest, Message: "provider did not return a refresh credential; re-run authorization"})
	}

	secretRef := RefreshSecretRef(userID)
	if err := h.secrets.SetSecret(ctx, secretRef, tok.RefreshToken); err != nil {
		return routing.Failed(fmt.Errorf("store refresh credential: %w", err))
	}

	if err := h.upsertLink(ctx, userID, secretRef); err != nil {
		return routing.Failed(err)
	}

	h.logger.Info("Authorization complete", "user_id", userID)
	return routing.Handled(&routing.Result{Status: http.StatusOK, Message: "googlefit connected"})
}

func (h *Handler) handleRevoke(ctx context.Context, req *routing.Request) routing.Response {
	userID, failure := h.identify(ctx, req)
	if failure.Result != nil {
		return failure
	}

	user, err := h.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return routing.Handled(&routing.Result{Status: http.StatusNotFound, Message: "user not found"})
		}
		return routing.Failed(err)
	}
	link := user.Link(shared.PlatformGoogleFit)
	if link == nil {
		return routing.Handled(&routing.Result{Status: http.StatusNotFound, Message: "googlefit not connected"})
	}

	link.State = types.StateUnauthorized
	user.LastTouched = time.Now()
	if err := h.resolver.WriteWithRetry(ctx, h.users, h.logger, user, conflict.DefaultMaxAttempts); err != nil {
		return routing.Failed(err)
	}

	if link.RefreshSecretRef != "" {
		if err := h.secrets.DeleteSecret(ctx, link.RefreshSecretRef); err != nil && !errors.Is(err, shared.ErrSecretNotFound) {
			h.logger.Warn("Failed to delete refresh credential", "user_id", userID, "error", err)
		}
	}

	h.logger.Info("Authorization revoked", "user_id", userID)
	return routing.Handled(&routing.Result{Status: http.StatusOK, Message: "googlefit disconnected"})
}

// handleImport is the queue-message side: decode the task, build the
// authenticated source client and run one orchestrator pass.
func (h *Handler) handleImport(ctx context.Context, req *routing.Request) routing.Response {
	task, err := queue.DecodeTask(req.Payload)
	if err != nil {
		return routing.Handled(&routing.Result{Status: http.StatusBadRequest, Message: err.Error()})
	}
	if task.PlatformName != shared.PlatformGoogleFit {
		return routing.NotApplicable()
	}

	source := tokens.NewSecretTokenSource(
		h.secrets,
		RefreshSecretRef(task.UserID),
		h.oauthConfig.Endpoint.TokenURL,
		h.oauthConfig.ClientID,
		h.oauthConfig.ClientSecret,
		h.httpClient,
	)
	client := NewClient(tokens.NewHTTPClient(source))

	summary, err := h.orchestrator.Run(ctx, task, client)
	switch {
	case err == nil:
		msg := "import complete"
		if summary != nil && len(summary.PartialFailures) > 0 {
			msg = fmt.Sprintf("import complete with %d partial failures", len(summary.PartialFailures))
		}
		return routing.Handled(&routing.Result{Status: http.StatusOK, Message: msg})
	case errors.Is(err, importer.ErrNotReady):
		return routing.Handled(&routing.Result{Status: http.StatusConflict, Message: "link not ready to import"})
	case errors.Is(err, tokens.ErrReauthorizationRequired):
		return routing.Handled(&routing.Result{Status: http.StatusOK, Message: "authorization revoked, link disabled"})
	default:
		return routing.Failed(err)
	}
}

// upsertLink records a fresh authorization, clearing any prior Unauthorized
// state: a completed flow is the only thing allowed to do that.
func (h *Handler) upsertLink(ctx context.Context, userID, secretRef string) error {
	now := time.Now()
	link := &types.PlatformLink{
		PlatformName:     shared.PlatformGoogleFit,
		PlatformUserID:   "me",
		State:            types.StateReadyToImport,
		RefreshSecretRef: secretRef,
	}

	user, err := h.users.GetUser(ctx, userID)
	if errors.Is(err, shared.ErrNotFound) {
		user = &types.UserRecord{UserID: userID}
	} else if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	if existing := user.Link(shared.PlatformGoogleFit); existing != nil {
		link.LastSync = existing.LastSync
	}
	user.SetLink(link)
	user.LastTouched = now

	// Direct write: a fresh authorization must win over the Unauthorized
	// precedence the merge path would otherwise apply.
	if err := h.users.PutUser(ctx, user); err != nil {
		if errors.Is(err, shared.ErrConflict) {
			latest, getErr := h.users.GetUser(ctx, userID)
			if getErr != nil {
				return fmt.Errorf("re-read user after conflict: %w", getErr)
			}
			latest.SetLink(link)
			latest.LastTouched = now
			return h.users.PutUser(ctx, latest)
		}
		return fmt.Errorf("persist authorization: %w", err)
	}
	return nil
}

// RefreshSecretRef names the secret holding a user's refresh credential.
func RefreshSecretRef(userID string) string {
	return shared.PlatformGoogleFit + "-refresh-" + userID
}
