package migration_20251102_0000

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/openstudio-io/openstudio/internal/database/migrations"
)

type User struct {
	Avatar string
}

func Migrate() *gormigrate.Migration {
	migrationId := "20251102-0000"

	return migrations.CreateMigrationFromActions(migrationId,
		migrations.AddTableColumnAction(&User{}, "avatar"),
	)
}
