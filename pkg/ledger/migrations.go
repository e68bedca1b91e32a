package ledger

import "embed"

// Migrations holds the goose migrations for the PostgreSQL store, rooted at
// MigrationsDir.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of the embedded goose migrations.
const MigrationsDir = "migrations"
