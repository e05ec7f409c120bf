// Package pgstore implements the subscription repositories on PostgreSQL with
// pgx/v5. Schema migrations are embedded and applied with pg.MigrateFS.
//
// Every write that must be atomic is a single statement: subscriptions use a
// version-guarded UPDATE, counters a conditional UPDATE ... RETURNING, and the
// event ledger relies on its primary key.
package pgstore

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrymomot/botmeter/pkg/subscription"
)

// Migrations holds the goose migrations for every table of the package.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that holds the files.
const MigrationsDir = "migrations"

// DB is the subset of *pgxpool.Pool the repositories use. A pgx.Tx also
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Repository is the PostgreSQL storage of the billing core. It implements
// SubscriptionRepository, EventLedger and AuditLog directly; counters and
// checkout attempts are exposed as views.
type Repository struct {
	db DB
}

// New creates a Repository on db.
func New(db DB) *Repository {
	if db == nil {
		panic("pgstore: db is required")
	}
	return &Repository{db: db}
}

// Counters returns the CounterRepository view of the storage.
func (r *Repository) Counters() subscription.CounterRepository {
	return &Counters{db: r.db}
}

// Checkouts returns the CheckoutRepository view of the storage.
func (r *Repository) Checkouts() subscription.CheckoutRepository {
	return &Checkouts{db: r.db}
}

var (
	_ subscription.SubscriptionRepository = (*Repository)(nil)
	_ subscription.EventLedger            = (*Repository)(nil)
	_ subscription.AuditLog               = (*Repository)(nil)
	_ subscription.CounterRepository      = (*Counters)(nil)
	_ subscription.CheckoutRepository     = (*Checkouts)(nil)
)
