package relauth

import "errors"

// Sentinel errors for the engine's failure modes.
//
// GrantRejected and ModelMismatch propagate to the caller. Schema
// resolution failures are programmer errors and surface eagerly with the
// offending identifier. NotRewritable never escapes AccessibleQuery: it
// switches the rewriter to a per-row evaluation fallback. Can and
// HasPermission default to deny on internal lookup failures; they log the
// cause instead of returning it.
var (
	// ErrGrantRejected is returned when a grant names a role that does not
	// exist, or a role whose tables whitelist excludes the context's table.
	ErrGrantRejected = errors.New("relauth: grant rejected")

	// ErrModelMismatch is returned when contexts over different models are
	// combined.
	ErrModelMismatch = errors.New("relauth: context model mismatch")

	// ErrSchemaResolution is returned when the propagation schema or a
	// checker path references an attribute the schema registry cannot
	// resolve.
	ErrSchemaResolution = errors.New("relauth: schema resolution failed")

	// ErrAmbiguousTarget is returned when the rewriter cannot resolve the
	// incoming query's leading table to a registered model.
	ErrAmbiguousTarget = errors.New("relauth: cannot determine target model")

	// ErrNotRewritable is returned by a checker whose query rewrite is
	// undefined, such as Not over a Path checker. AccessibleQuery handles
	// it by falling back to per-row evaluation.
	ErrNotRewritable = errors.New("relauth: checker not rewritable")

	// ErrMissingSchema is returned when the engine's own tables do not
	// exist. Run Migrate (or 'relauth migrate') to create them.
	ErrMissingSchema = errors.New("relauth: engine tables missing")
)

// IsGrantRejectedErr returns true if err is or wraps ErrGrantRejected.
func IsGrantRejectedErr(err error) bool {
	return errors.Is(err, ErrGrantRejected)
}

// IsModelMismatchErr returns true if err is or wraps ErrModelMismatch.
func IsModelMismatchErr(err error) bool {
	return errors.Is(err, ErrModelMismatch)
}

// IsSchemaResolutionErr returns true if err is or wraps ErrSchemaResolution.
func IsSchemaResolutionErr(err error) bool {
	return errors.Is(err, ErrSchemaResolution)
}

// IsAmbiguousTargetErr returns true if err is or wraps ErrAmbiguousTarget.
func IsAmbiguousTargetErr(err error) bool {
	return errors.Is(err, ErrAmbiguousTarget)
}

// IsNotRewritableErr returns true if err is or wraps ErrNotRewritable.
func IsNotRewritableErr(err error) bool {
	return errors.Is(err, ErrNotRewritable)
}

// IsMissingSchemaErr returns true if err is or wraps ErrMissingSchema.
func IsMissingSchemaErr(err error) bool {
	return errors.Is(err, ErrMissingSchema)
}
