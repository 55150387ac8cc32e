package relauth

import (
	"context"
	"fmt"

	relauthsql "github.com/giusedb/relauth/sql"
)

// Migrate applies the engine's DDL: the identity tables (users, user_groups,
// roles, permissions) and the three relations the grant store reads
// (memberships, role_permissions, role_grants), plus their indexes.
//
// Migration is idempotent - every statement is CREATE ... IF NOT EXISTS -
// and safe to run on application startup. The Execer is typically *sql.DB
// but can be *sql.Tx for testing.
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.ExecContext(ctx, relauthsql.SchemaSQL); err != nil {
		return fmt.Errorf("applying schema.sql: %w", err)
	}
	return nil
}
