// Package migrations embeds the goose SQL migrations so binaries and tests
// can apply them without a checkout.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

var setup sync.Once

func configure() {
	setup.Do(func() {
		goose.SetBaseFS(FS)
		if err := goose.SetDialect("postgres"); err != nil {
			panic(err)
		}
	})
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	configure()
	return goose.UpContext(ctx, db, ".")
}

// Run executes a goose command (up, down, status, version, redo, ...).
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	configure()
	return goose.RunContext(ctx, command, db, ".", args...)
}
