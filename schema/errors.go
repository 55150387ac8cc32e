package schema

import "errors"

// Schema resolution failures are programmer errors: they name the offending
// identifier and surface eagerly rather than being retried or cached.
var (
	// ErrUnknownModel is returned when a relationship targets a model that
	// was never registered.
	ErrUnknownModel = errors.New("schema: unknown model")

	// ErrUnknownRelation is returned when a propagation schema or path
	// names a relationship the model does not declare.
	ErrUnknownRelation = errors.New("schema: unknown relation")

	// ErrUnknownAttribute is returned when a path segment is neither a
	// column nor a relationship.
	ErrUnknownAttribute = errors.New("schema: unknown attribute")

	// ErrNoInverse is returned when an edge has no declared back-reference
	// and no candidate on the target matches its foreign-key columns.
	ErrNoInverse = errors.New("schema: no inverse relation")
)
