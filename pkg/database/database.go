package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/samogod/squirrelrun/pkg/config"
)

var DebugLog func(string, ...interface{})

type DB struct {
	conn    *sql.DB
	enabled bool
}

const (
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

type LaunchRecord struct {
	ID         int64
	Name       string
	Profile    string
	Mode       string
	GPUs       string
	Resume     string
	Argv       []string
	Status     string
	ExitCode   sql.NullInt64
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

const DBName = "squirrelrun_runs"

func connString(cfg *config.Database, dbname string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:     "/" + dbname,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func debug(format string, args ...interface{}) {
	if DebugLog != nil {
		DebugLog(format, args...)
	}
}

func New(cfg *config.Database) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		debug("run history disabled.")
		return db, nil
	}

	postgresConn, err := sql.Open("postgres", connString(cfg, "postgres"))
	if err != nil {
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec("CREATE DATABASE " + pq.QuoteIdentifier(DBName))
		if err != nil {
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		debug("database '%s' created successfully.", DBName)
	}

	conn, err := sql.Open("postgres", connString(cfg, DBName))
	if err != nil {
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn
	debug("run history connection active.")

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS launches (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		profile VARCHAR(255) NOT NULL,
		mode VARCHAR(20) NOT NULL,
		gpus VARCHAR(32) NOT NULL,
		resume VARCHAR(255) NOT NULL,
		argv TEXT[] NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'RUNNING',
		exit_code INTEGER,
		started_at TIMESTAMP NOT NULL DEFAULT NOW(),
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_launches_name ON launches(name);
	CREATE INDEX IF NOT EXISTS idx_launches_status ON launches(status);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db.enabled && db.conn != nil
}

// StartLaunch records a launch as RUNNING and returns its id.
func (db *DB) StartLaunch(rec LaunchRecord) (int64, error) {
	if !db.IsEnabled() {
		return 0, nil
	}

	var id int64
	err := db.conn.QueryRow(`
		INSERT INTO launches (name, profile, mode, gpus, resume, argv, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id
	`, rec.Name, rec.Profile, rec.Mode, rec.GPUs, rec.Resume, pq.Array(rec.Argv), StatusRunning).Scan(&id)
	if err != nil {
		return 0, err
	}

	debug("recorded launch %d for %s", id, rec.Name)
	return id, nil
}

func (db *DB) FinishLaunch(id int64, exitCode int) error {
	if !db.IsEnabled() || id == 0 {
		return nil
	}

	_, err := db.conn.Exec(`
		UPDATE launches
		SET status = $2, exit_code = $3, finished_at = NOW()
		WHERE id = $1
	`, id, StatusFor(exitCode), exitCode)
	return err
}

func StatusFor(exitCode int) string {
	if exitCode == 0 {
		return StatusSucceeded
	}
	return StatusFailed
}

// QueryLaunches lists launches newest first. Empty name or status match all;
// limit <= 0 means no limit.
func (db *DB) QueryLaunches(name, status string, limit int) ([]LaunchRecord, error) {
	if !db.IsEnabled() {
		return nil, nil
	}

	query, args := buildQuery(name, status, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LaunchRecord
	for rows.Next() {
		var r LaunchRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Profile, &r.Mode, &r.GPUs, &r.Resume,
			pq.Array(&r.Argv), &r.Status, &r.ExitCode, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func buildQuery(name, status string, limit int) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)

	if name != "" {
		args = append(args, name)
		where = append(where, fmt.Sprintf("name = $%d", len(args)))
	}

	if status != "" {
		args = append(args, strings.ToUpper(status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT id, name, profile, mode, gpus, resume, argv, status, exit_code, started_at, finished_at FROM launches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"

	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return query, args
}
