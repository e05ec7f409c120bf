// Package pg provides utilities for interacting with PostgreSQL using the
// pgx/v5 driver: connection pooling with retries, goose migrations, health
// checks, and error classification helpers.
//
// # Architecture
//
//   - Config – populated from environment variables via github.com/caarlos0/env.
//     It controls connection pool limits, health-check cadence and migrations.
//
//   - Connect – opens a *pgxpool.Pool based on Config, retrying with
//     Fibonacci back-off (github.com/sethvargo/go-retry) until the database
//     answers a ping or the context ends.
//
//   - Migrate / MigrateFS – run pending goose migrations through a
//     goose.Provider bridged onto the pool, from a directory on disk or an
//     embedded fs.FS. Each applied version is logged.
//
// # Usage
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.MigrateFS(ctx, pool, pgstore.Migrations, pgstore.MigrationsDir, cfg, slog.Default()); err != nil {
//	    return err
//	}
//
//	health := pg.Healthcheck(pool)
//
// # Error Handling
//
// Helpers such as [IsDuplicateKeyError] or [IsNotFoundError] unwrap errors
// returned by pgx and `*pgconn.PgError` so repositories can map them onto
// their own sentinel errors. [IsRetryable] separates serialization and
// connection failures, which pgstore reports as transient, from everything
// else.
package pg
