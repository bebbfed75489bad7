package migrations

import (
	"database/sql"
	"os"
	"regexp"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	pg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// Run applies file-based migrations from ./migrations. A database that
// already carries the schema (players table exists) but no migrate metadata
// is baselined to the latest known version first.
func Run(databaseURL string) error {
	if databaseURL == "" {
		return eris.New("database URL is empty")
	}

	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return eris.Wrap(err, "open database")
	}
	defer sqlDB.Close()

	driver, err := pg.WithInstance(sqlDB, &pg.Config{MigrationsTable: "schema_migrations_migrate"})
	if err != nil {
		return eris.Wrap(err, "create migrate driver")
	}

	m, err := migrate.NewWithDatabaseInstance("file://migrations", "postgres", driver)
	if err != nil {
		return eris.Wrap(err, "create migrate instance")
	}

	baselineIfNeeded(sqlDB, m)

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return eris.Wrap(err, "migration up")
	}
	log.Info().Msg("database migrations up to date")
	return nil
}

func baselineIfNeeded(sqlDB *sql.DB, m *migrate.Migrate) {
	var playersExist bool
	row := sqlDB.QueryRow("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name='players')")
	if err := row.Scan(&playersExist); err != nil || !playersExist {
		return
	}
	var metadataExists bool
	row = sqlDB.QueryRow("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name='schema_migrations_migrate')")
	if err := row.Scan(&metadataExists); err != nil || metadataExists {
		return
	}
	latest := findLatestMigrationVersion("migrations")
	if latest == 0 {
		return
	}
	log.Info().Uint64("version", latest).Msg("baselining existing schema")
	if err := m.Force(int(latest)); err != nil {
		log.Warn().Err(err).Uint64("version", latest).Msg("baseline force failed")
	}
}

var migrationFile = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

func findLatestMigrationVersion(dir string) uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var latest uint64
	for _, entry := range entries {
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.ParseUint(match[1], 10, 64)
		if err == nil && version > latest {
			latest = version
		}
	}
	return latest
}
