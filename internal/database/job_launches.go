package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Launch actions recorded in the ledger
const (
	LaunchActionStart = "start"
	LaunchActionFail  = "fail"
)

// JobLaunch is one start or fail attempt made by this compute client
type JobLaunch struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	ServiceName string    `json:"service_name"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobLaunchesDB is the local launch history. It is informational only; the dispatcher's
// in-memory guards decide whether a job is retried.
type JobLaunchesDB struct {
	db     *sql.DB
	logger Logger
}

// NewJobLaunchesDB creates the job_launches table if needed
func NewJobLaunchesDB(db *sql.DB, logger Logger) (*JobLaunchesDB, error) {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS job_launches (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		service_name TEXT NOT NULL DEFAULT '',
		action TEXT CHECK(action IN ('start', 'fail')) NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		error TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_launches_job_id ON job_launches(job_id);
	CREATE INDEX IF NOT EXISTS idx_job_launches_created_at ON job_launches(created_at);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		logger.Error(fmt.Sprintf("Failed to create job_launches table: %v", err), "database")
		return nil, err
	}

	return &JobLaunchesDB{db: db, logger: logger}, nil
}

// RecordJobLaunch stores a launch attempt. ID and CreatedAt are filled in when empty.
func (jl *JobLaunchesDB) RecordJobLaunch(launch *JobLaunch) error {
	if launch.JobID == "" {
		return errors.New("job id is required")
	}
	if launch.Action != LaunchActionStart && launch.Action != LaunchActionFail {
		return fmt.Errorf("unknown launch action: %s", launch.Action)
	}
	if launch.ID == "" {
		launch.ID = uuid.New().String()
	}
	if launch.CreatedAt.IsZero() {
		launch.CreatedAt = time.Now()
	}

	var errText sql.NullString
	if launch.Error != "" {
		errText = sql.NullString{String: launch.Error, Valid: true}
	}

	_, err := ExecWithLogging(jl.db, `
		INSERT INTO job_launches (id, job_id, service_name, action, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, jl.logger, "database",
		launch.ID, launch.JobID, launch.ServiceName, launch.Action, launch.Status, errText, launch.CreatedAt.UnixNano())
	return err
}

func scanJobLaunch(rows *sql.Rows) (*JobLaunch, error) {
	var l JobLaunch
	var errText sql.NullString
	var created int64
	if err := rows.Scan(&l.ID, &l.JobID, &l.ServiceName, &l.Action, &l.Status, &errText, &created); err != nil {
		return nil, err
	}
	l.Error = ScanNullableString(errText)
	l.CreatedAt = time.Unix(0, created)
	return &l, nil
}

// GetRecentJobLaunches returns the newest launches first
func (jl *JobLaunchesDB) GetRecentJobLaunches(limit int) ([]*JobLaunch, error) {
	if limit <= 0 {
		limit = 20
	}
	return QueryRows(jl.db, `
		SELECT id, job_id, service_name, action, status, error, created_at
		FROM job_launches
		ORDER BY created_at DESC
		LIMIT ?
	`, scanJobLaunch, jl.logger, "database", limit)
}

// GetJobLaunches returns the launches recorded for one job, oldest first
func (jl *JobLaunchesDB) GetJobLaunches(jobID string) ([]*JobLaunch, error) {
	return QueryRows(jl.db, `
		SELECT id, job_id, service_name, action, status, error, created_at
		FROM job_launches
		WHERE job_id = ?
		ORDER BY created_at ASC
	`, scanJobLaunch, jl.logger, "database", jobID)
}

// PruneJobLaunches deletes launches recorded before cutoff and returns how many were removed
func (jl *JobLaunchesDB) PruneJobLaunches(cutoff time.Time) (int64, error) {
	result, err := ExecWithLogging(jl.db, `DELETE FROM job_launches WHERE created_at < ?`,
		jl.logger, "database", cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
