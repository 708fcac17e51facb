package auth

import (
	"fmt"
	"net/url"

	shared "github.com/vitalsync/server/pkg"
)

// Identity is who a request acts on behalf of. In bearer mode it comes from
// the verified token; in anonymous mode from the external id/system query
// parameters.
type Identity struct {
	ExternalID     string
	ExternalSystem string
}

// ClientError marks a malformed request, as opposed to an authentication
// failure. Callers map it to a 400 rather than a 401.
type ClientError struct {
	Reason string
}

func (e *ClientError) Error() string {
	return e.Reason
}

// AnonymousIdentity derives the caller identity from the external_id and
// external_system query parameters. Their absence is a client error, distinct
// from an authentication failure: the request is malformed, not unverified.
func AnonymousIdentity(query url.Values) (*Identity, error) {
	externalID := query.Get(shared.QueryExternalID)
	externalSystem := query.Get(shared.QueryExternalSystem)

	if externalID == "" || externalSystem == "" {
		return nil, &ClientError{
			Reason: fmt.Sprintf("query parameters %q and %q are both required", shared.QueryExternalID, shared.QueryExternalSystem),
		}
	}

	return &Identity{ExternalID: externalID, ExternalSystem: externalSystem}, nil
}
