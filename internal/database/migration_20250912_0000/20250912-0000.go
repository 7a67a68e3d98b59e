package migration_20250912_0000

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"github.com/openstudio-io/openstudio/internal/database/migrations"
	"gorm.io/gorm"
)

type Base struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key;"`
	CreatedAt time.Time      `json:"-"`
	UpdatedAt time.Time      `json:"-"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

type User struct {
	Base
	UserName string
	Email    string `gorm:"index"`
	FullName string
	Groups   []*Group `gorm:"many2many:user_groups;"`
}

type Group struct {
	Base
	Name  string
	Users []*User `gorm:"many2many:user_groups;"`
}

type Identity struct {
	ExternalID string    `gorm:"primary_key"`
	UserID     uuid.UUID `gorm:"type:uuid"`
	CreatedAt  time.Time
}

type SessionToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key;"`
	Token     string    `gorm:"index"`
	UserID    uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt time.Time
}

func Migrate() *gormigrate.Migration {
	migrationId := "20250912-0000"

	return migrations.CreateMigrationFromActions(migrationId,
		migrations.CreateTableAction(&User{}),
		// unique indexes are created manually so that migrations also work
		// on cockroach, see https://github.com/go-gorm/gorm/issues/5752
		migrations.ExecAction(
			`CREATE UNIQUE INDEX IF NOT EXISTS "idx_users_user_name" ON "users" ("user_name")`,
			`DROP INDEX IF EXISTS idx_users_user_name`,
		),
		migrations.CreateTableAction(&Group{}),
		migrations.ExecAction(
			`CREATE UNIQUE INDEX IF NOT EXISTS "idx_groups_name" ON "groups" ("name")`,
			`DROP INDEX IF EXISTS idx_groups_name`,
		),
		migrations.CreateTableAction(&Identity{}),
		migrations.CreateTableAction(&SessionToken{}),
	)
}
