package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/status"
)

type Driver string

const (
	DRIVER_SQLITE   Driver = "sqlite3"
	DRIVER_POSTGRES Driver = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS builds (
		id          VARCHAR(36) PRIMARY KEY,
		repository  TEXT NOT NULL,
		branch      TEXT NOT NULL,
		number      INTEGER NOT NULL,
		status      VARCHAR(16) NOT NULL,
		commit_hash TEXT NOT NULL,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS builds_repository_number
		ON builds (repository, number)`,
}

type Build struct {
	ID         string        `db:"id"`
	Repository string        `db:"repository"`
	Branch     string        `db:"branch"`
	Number     int           `db:"number"`
	Status     status.Status `db:"status"`
	Commit     string        `db:"commit_hash"`
	StartedAt  time.Time     `db:"started_at"`
	FinishedAt sql.NullTime  `db:"finished_at"`
}

func (build Build) Duration() time.Duration {
	if !build.FinishedAt.Valid {
		return 0
	}

	return build.FinishedAt.Time.Sub(build.StartedAt)
}

// DB keeps results of builds, the previous result of a branch decides
// whether a change notification is sent.
type DB struct {
	db     *sqlx.DB
	driver Driver
}

func Open(ctx context.Context, driver Driver, dsn string) (*DB, error) {
	switch driver {
	case DRIVER_SQLITE:
		err := ensureDir(dsn)
		if err != nil {
			return nil, err
		}

	case DRIVER_POSTGRES:

	default:
		return nil, fmt.Errorf(
			"unknown history driver: %q, expected %s or %s",
			driver, DRIVER_SQLITE, DRIVER_POSTGRES,
		)
	}

	db, err := sqlx.Open(string(driver), dsn)
	if err != nil {
		return nil, karma.Format(err, "unable to open %s database", driver)
	}

	if driver == DRIVER_SQLITE {
		// sqlite allows a single writer, in-memory databases exist per
		// connection
		db.SetMaxOpenConns(1)
	}

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, karma.Format(err, "unable to connect to %s database", driver)
	}

	for _, query := range schema {
		_, err = db.ExecContext(ctx, query)
		if err != nil {
			db.Close()
			return nil, karma.Format(err, "unable to create history schema")
		}
	}

	return &DB{db: db, driver: driver}, nil
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if index := strings.Index(path, "?"); index >= 0 {
		path = path[:index]
	}

	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}

	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return karma.Format(err, "unable to create directory for %s", path)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// NextNumber returns the number the next build of the repository gets.
func (db *DB) NextNumber(ctx context.Context, repository string) (int, error) {
	var number sql.NullInt64
	err := db.db.GetContext(
		ctx,
		&number,
		db.db.Rebind(`SELECT MAX(number) FROM builds WHERE repository = ?`),
		repository,
	)
	if err != nil {
		return 0, karma.Format(err, "unable to get the last build number")
	}

	return int(number.Int64) + 1, nil
}

// Start records a started build, ID and Number are assigned if not set.
func (db *DB) Start(ctx context.Context, build *Build) error {
	if build.ID == "" {
		build.ID = uuid.New().String()
	}

	if build.Number == 0 {
		number, err := db.NextNumber(ctx, build.Repository)
		if err != nil {
			return err
		}

		build.Number = number
	}

	if build.Status == "" {
		build.Status = status.RUNNING
	}

	_, err := db.db.NamedExecContext(
		ctx,
		`INSERT INTO builds
			(id, repository, branch, number, status, commit_hash, started_at, finished_at)
		VALUES
			(:id, :repository, :branch, :number, :status, :commit_hash, :started_at, :finished_at)`,
		build,
	)
	if err != nil {
		return karma.
			Describe("repository", build.Repository).
			Describe("number", build.Number).
			Format(err, "unable to record build start")
	}

	return nil
}

func (db *DB) Finish(ctx context.Context, build *Build) error {
	result, err := db.db.NamedExecContext(
		ctx,
		`UPDATE builds SET status = :status, finished_at = :finished_at WHERE id = :id`,
		build,
	)
	if err != nil {
		return karma.Describe("id", build.ID).Format(err, "unable to record build finish")
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return karma.Describe("id", build.ID).Format(nil, "no such build")
	}

	return nil
}

// Previous returns the last finished build of the branch with the number
// lower than given one, nil is returned if there is no such build.
func (db *DB) Previous(
	ctx context.Context,
	repository string,
	branch string,
	before int,
) (*Build, error) {
	var build Build
	err := db.db.GetContext(
		ctx,
		&build,
		db.db.Rebind(`SELECT * FROM builds
			WHERE repository = ? AND branch = ? AND number < ?
				AND finished_at IS NOT NULL
			ORDER BY number DESC
			LIMIT 1`),
		repository, branch, before,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, karma.Format(err, "unable to get previous build")
	}

	return &build, nil
}

// List returns the latest builds of the repository, newest first.
func (db *DB) List(ctx context.Context, repository string, limit int) ([]Build, error) {
	builds := []Build{}
	err := db.db.SelectContext(
		ctx,
		&builds,
		db.db.Rebind(`SELECT * FROM builds
			WHERE repository = ?
			ORDER BY number DESC
			LIMIT ?`),
		repository, limit,
	)
	if err != nil {
		return nil, karma.Format(err, "unable to list builds")
	}

	return builds, nil
}
