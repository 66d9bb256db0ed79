package manifest

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			directory TEXT NOT NULL,
			base_name TEXT NOT NULL,
			started_at INT NOT NULL,
			completed_at INT,
			frames INT NOT NULL DEFAULT 0,
			resumed INT NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX idx_run_directory ON run(directory);

		CREATE TABLE file(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			path TEXT NOT NULL,
			kind TEXT NOT NULL,
			size INT NOT NULL,
			sequence INT NOT NULL,
			step INT NOT NULL,
			written_at INT NOT NULL
		);
		CREATE UNIQUE INDEX idx_file_run_id_path ON file(run_id, path);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_file_run_id_sequence ON file(run_id, sequence);
	`))

	return migs
}
