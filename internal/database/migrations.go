package database

import (
	"github.com/openstudio-io/openstudio/internal/database/migration_20250912_0000"
	"github.com/openstudio-io/openstudio/internal/database/migration_20251102_0000"
	"github.com/openstudio-io/openstudio/internal/database/migrations"
)

// Migrations returns the full schema history, oldest first.
func Migrations() *migrations.Migrations {
	return migrations.New(
		migration_20250912_0000.Migrate(),
		migration_20251102_0000.Migrate(),
	)
}
