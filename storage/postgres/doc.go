// Package postgres provides a PostgreSQL implementation of the storage interfaces.
//
// Store talks to the database through the DB interface, which *pgxpool.Pool
// satisfies. Inserts use INSERT ... RETURNING so callers receive generated
// identifiers. MarkAuthorizationCodeUsed and RevokeToken are single
// conditional UPDATE statements (WHERE used_at IS NULL, WHERE revoked_at IS
// NULL) whose RowsAffected decides the outcome, which makes them safe across
// any number of server instances sharing the database.
//
// The schema ships as embedded goose migrations; run Migrate before first use.
//
// Example usage:
//
//	if err := postgres.Migrate(databaseURL); err != nil {
//	    log.Fatal(err)
//	}
//	pool, err := postgres.Connect(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close()
//
//	store := postgres.New(pool, logger)
package postgres
