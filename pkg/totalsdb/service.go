// TotalsDB stores the last-known cumulative total per channel, plus a
// log of serial link transitions. The S0PCM module has no persistent
// memory, so this database is what survives both device power-loss and
// bridge restarts. Only the bridge writes to it.
package totalsdb

import (
	"database/sql"
	"embed"

	"github.com/NotCoffee418/dbmigrator"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the totals database and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		db,
		migrationFS,
		"migrations",
	)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
