package database

import (
	"context"
	"fmt"
	"os"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase connects to postgres, retrying with an exponential backoff
// until the database is reachable.  It returns the dsn as well since the
// caller may need it for LISTEN/NOTIFY style side channels.
func NewDatabase(
	ctx context.Context,
	logger *zap.SugaredLogger,
	host string,
	user string,
	password string,
	dbname string,
	port string,
	sslmode string,
) (*gorm.DB, string, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		host, user, password, dbname, port, sslmode)

	var db *gorm.DB
	connectDb := func() error {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         NewLogger(logger),
			TranslateError: true,
		})
		if err != nil {
			logger.Debugf("database connection failed, will retry: %s", err)
			return err
		}
		return nil
	}
	err := backoff.Retry(connectDb, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if err != nil {
		return nil, "", err
	}
	return db, dsn, nil
}

// NewTestDatabase opens a throw-away sqlite database backed by a temp file.
// A file is used instead of :memory: so that concurrent goroutines in tests
// exercise real write contention.
func NewTestDatabase(logger *zap.SugaredLogger) (*gorm.DB, error) {
	f, err := os.CreateTemp("", "apiserver-test-*.db")
	if err != nil {
		return nil, err
	}
	if err = f.Close(); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(f.Name()+"?_busy_timeout=5000&_txlock=immediate"), &gorm.Config{
		Logger:         NewLogger(logger),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}
