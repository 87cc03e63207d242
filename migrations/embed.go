// Package migrations embeds the relayhub SQL schema into the binary.
//
// Importing this package for its side effect registers the files with the
// database package, so migrations run without SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/relayhub/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.RegisterMigrations(migrationsFS, ".")
}
