package dbutils

import (
	"database/sql"

	"pipebench/util"
)

// Populate creates the harbors table read by the benchmark statement and
// seeds it with the given number of rows. Runs on the unmeasured setup path,
// before any worker connects.
func Populate(db *sql.DB, rows int) {
	util.Try(db.Exec(`
		create table if not exists harbors (
			id serial primary key,
			name text not null
		)
	`))
	util.Try(db.Exec("truncate harbors"))
	util.Try(db.Exec(`
		insert into harbors (name)
		select 'harbor-' || i
		from generate_series(1, $1) as i
	`, rows))
}

// Vacuums and checkpoints the database, so the measured run starts from a
// settled state
func VacuumAndCheckpoint(db *sql.DB) {
	util.Try(db.Exec("vacuum analyze harbors"))
	util.Try(db.Exec("checkpoint"))
}

// Drops the benchmark table
func Drop(db *sql.DB) {
	util.Try(db.Exec("drop table if exists harbors"))
}
