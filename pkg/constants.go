package shared

const (
	ProjectID = "vitalsync-project" // Can be overridden by env var in main if needed

	TopicImportedRecords = "topic-imported-records"

	CollectionUsers   = "users"
	CollectionCursors = "cursors"
	CollectionSecrets = "secrets"

	PlatformGoogleFit = "googlefit"

	// Route suffixes claimed by platform handlers. Full routes are
	// "<platform>/<op>", e.g. "googlefit/authorize".
	RouteAuthorize = "authorize"
	RouteCallback  = "callback"
	RouteRevoke    = "revoke"
	RouteImport    = "import"

	// Anonymous-mode identity query parameters. Both are required together.
	QueryExternalID     = "external_id"
	QueryExternalSystem = "external_system"
)
