// Package history keeps a ledger of transfer outcomes in a SQL database so a
// run can be inspected after its log output is gone.
package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	SchemeSqlite = "sqlite"
	SchemeMysql  = "mysql"
)

var (
	maxDBRetries    = 5
	dbRetryInterval = 3 * time.Second
)

// Open connects to the ledger named by dsn and migrates it. dsn is either
// sqlite://<path> or mysql://<go-sql-driver dsn>. A mysql server that isn't
// up yet is retried a few times before giving up.
func Open(dsn string) (*gorm.DB, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var db *gorm.DB
	retryCount := 1
	for {
		db, err = gorm.Open(dialector, gormConfig)
		if err == nil {
			break
		}

		if dialector.Name() != SchemeMysql || retryCount >= maxDBRetries {
			return nil, errors.Wrapf(err, "failed to open history db %s", redact(dsn))
		}

		log.Warnf("Unable to open history db (attempt %d of %d): %s", retryCount, maxDBRetries, err)
		retryCount++
		time.Sleep(dbRetryInterval)
	}

	if dialector.Name() == SchemeSqlite {
		// sqlite only allows one writer.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := RunMigrations(db); err != nil {
		return nil, err
	}

	return db, nil
}

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&TransferRecord{}); err != nil {
		return errors.Wrap(err, "unable to migrate history db")
	}
	return nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok || rest == "" {
		return nil, fmt.Errorf("history db '%s' must look like sqlite://<path> or mysql://<dsn>", redact(dsn))
	}

	switch scheme {
	case SchemeSqlite:
		path, err := homedir.Expand(rest)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to expand %s", rest)
		}
		return sqlite.Open(path), nil

	case SchemeMysql:
		return mysql.Open(rest), nil

	default:
		return nil, fmt.Errorf("unsupported history db scheme '%s'", scheme)
	}
}

// redact hides a mysql password so a DSN can be logged.
func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok || scheme != SchemeMysql {
		return dsn
	}

	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}

	user, _, hasPassword := strings.Cut(creds, ":")
	if !hasPassword {
		return dsn
	}

	return fmt.Sprintf("%s://%s:****@%s", scheme, user, host)
}
