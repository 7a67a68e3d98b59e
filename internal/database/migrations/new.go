package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
)

// New returns the migration schedule.  Migration ids are YYYYMMDD-HHMM
// timestamps that must sort ascending; each migration package inlines a
// snapshot of the models as they looked at that point in time.
func New(schedule ...*gormigrate.Migration) *Migrations {
	return &Migrations{
		GormOptions: &gormigrate.Options{
			TableName:      "apiserver_migrations",
			IDColumnName:   "id",
			IDColumnSize:   40,
			UseTransaction: false,
		},
		Migrations: schedule,
	}
}
