// Package relauth provides contextual, relationship-aware authorization on
// top of a relational database.
//
// Permissions are not attached to rows. Roles - bundles of permissions -
// are granted to user groups in a context, the (table, primary key) pair of
// an arbitrary record. Authorization then propagates from granted contexts
// along developer-declared relationship paths: granting "reader" on a
// country makes every city in it readable, if the propagation schema says
// countries cover departments and departments cover cities.
//
// The engine answers two questions consistently:
//
//   - Can this user perform this action on this record?
//   - Given a select over a table, which joins and WHERE fragments restrict
//     it to exactly the permitted rows?
//
// # Basic usage
//
//	reg, _ := schema.NewRegistry(country, department, city)
//	auth, _ := relauth.New(db, reg,
//	    relauth.WithPropagation(schema.Propagation{
//	        "Country":    {"departments"},
//	        "Department": {"cities"},
//	    }),
//	    relauth.WithKV(relauth.NewRedisKV(client)),
//	)
//
//	_, _ = auth.Assign(ctx, "reader", "read")
//	_, _ = auth.Grant(ctx, relauth.UserID(1), "reader", italy)
//
//	ok, _ := auth.Can(ctx, 1, "read", palermo)           // true
//	q, _ := auth.AccessibleQuery(ctx, 1, relauth.Select("city"), "read")
//
// # Checkers
//
// Each (model, action) pair resolves to a checker, a node in a small
// combinator algebra: Path follows relationship paths looking for granted
// contexts, Owner and Group compare an attribute along a path with the
// user's id or groups, Global accepts on globally-flagged permissions, and
// And/Or/Not combine them. When no checker is registered for a pair, a
// default Or(Global(action), Path(action, inverted-schema paths...)) is
// synthesized on first use and memoized.
//
// # Database handles
//
// The engine works with *sql.DB, *sql.Tx, or *sql.Conn through the Querier
// interface. Mutating operations open their own transaction when the handle
// can begin one, so an abandoned call never leaves a partial grant; when the
// handle is already a transaction the caller owns commit and rollback.
//
// # Caching
//
// Reads are memoized in two tiers: a per-request map carried in the
// context.Context (strongly consistent within a call) and an optional
// shared key-value store - Redis in production, an in-process LRU for
// single-node deployments. Writers invalidate exactly the entries they
// touch, after commit.
package relauth

import (
	"context"
	"database/sql"
)

// Querier executes queries against the database.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
//
// The minimal interface lets the engine run inside the caller's transaction:
// grants inserted earlier in an uncommitted transaction are visible to
// checks made through the same handle.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer extends Querier with statement execution, needed by the grant
// store's write paths and by Migrate.
type Execer interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TxBeginner is implemented by handles that can open transactions
// (*sql.DB). Mutating operations use it when available so a cancelled call
// rolls back cleanly.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// sqlState extracts the SQLSTATE code from a database error.
// Works with multiple drivers via interface detection (pgx/pgconn exposes
// SQLState(), other wrappers expose Code()).
func sqlState(err error) string {
	type sqlStateErr interface{ SQLState() string }
	if e, ok := err.(sqlStateErr); ok {
		return e.SQLState()
	}
	type codeErr interface{ Code() string }
	if e, ok := err.(codeErr); ok {
		return e.Code()
	}
	return ""
}
